package models

// EmailAccount represents a monitored email account. The server owns the
// canonical record; the client treats the list received from a full refresh
// as an authoritative snapshot.
type EmailAccount struct {
	ID            int64  `json:"id" db:"id"`
	Email         string `json:"email" db:"email"`
	Password      string `json:"password,omitempty" db:"password"`           // write-only, never echoed by the server
	ClientID      string `json:"client_id,omitempty" db:"client_id"`         // OAuth client id (outlook accounts)
	RefreshToken  string `json:"refresh_token,omitempty" db:"refresh_token"` // OAuth refresh token (outlook accounts)
	MailType      string `json:"mail_type" db:"mail_type"`                   // "outlook", "imap", "gmail", "qq"
	Status        string `json:"status,omitempty" db:"status"`
	LastCheckTime string `json:"last_check_time,omitempty" db:"last_check_time"`
	CreatedAt     string `json:"created_at,omitempty" db:"created_at"`
}

// MailTypeDefault is assumed when an account payload carries no mail type.
const MailTypeDefault = "outlook"

// ProgressFailed marks a check job that ended in an error.
const ProgressFailed = -1

// JobProgress tracks one running mailbox check. At most one entry exists per
// account id; a new check for the same id overwrites the previous entry.
type JobProgress struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Done reports whether the job reached a terminal state.
func (p JobProgress) Done() bool {
	return p.Progress == 100 || p.Progress == ProgressFailed
}
