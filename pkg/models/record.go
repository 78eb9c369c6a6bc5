package models

// MailRecord is one retrieved mail message for an account. Records are
// replaced wholesale per account on each fetch, never merged.
type MailRecord struct {
	ID           int64  `json:"id,omitempty" db:"id"`
	EmailID      int64  `json:"email_id,omitempty" db:"email_id"`
	Subject      string `json:"subject" db:"subject"`
	Sender       string `json:"sender" db:"sender"`
	ReceivedTime string `json:"received_time" db:"received_time"`
	Content      string `json:"content" db:"content"`
	Folder       string `json:"folder" db:"folder"`
}

// Placeholder values used when the server omits a field. The presentation
// layer assumes every field is present.
const (
	NoSubject = "(no subject)"
	NoSender  = "(unknown sender)"
	NoFolder  = "INBOX"
)

// Normalize fills absent fields with explicit placeholders.
func (r *MailRecord) Normalize() {
	if r.Subject == "" {
		r.Subject = NoSubject
	}
	if r.Sender == "" {
		r.Sender = NoSender
	}
	if r.Folder == "" {
		r.Folder = NoFolder
	}
}
