package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/zeroornull/FireMail/pkg/models"
)

// Message types on the event channel. Every message is a JSON object with a
// "type" field; remaining fields are type-specific and live at the top level.
const (
	// Reserved types, intercepted by the manager and never dispatched.
	MsgAuthenticate          = "authenticate"
	MsgAuthResult            = "auth_result"
	MsgConnectionEstablished = "connection_established"
	MsgHeartbeat             = "heartbeat"
	MsgHeartbeatResponse     = "heartbeat_response"

	// Outbound requests.
	MsgGetAllEmails   = "get_all_emails"
	MsgCheckEmails    = "check_emails"
	MsgDeleteEmails   = "delete_emails"
	MsgAddEmail       = "add_email"
	MsgGetMailRecords = "get_mail_records"
	MsgImportEmails   = "import_emails"

	// Inbound results and broadcasts.
	MsgEmailsList     = "emails_list"
	MsgCheckProgress  = "check_progress"
	MsgEmailsImported = "emails_imported"
	MsgEmailsDeleted  = "emails_deleted"
	MsgEmailAdded     = "email_added"
	MsgMailRecords    = "mail_records"

	// Server notifications.
	MsgInfo    = "info"
	MsgSuccess = "success"
	MsgWarning = "warning"
	MsgError   = "error"
)

// AuthResult is the server's answer to an authenticate message.
type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EmailsList carries a full account list snapshot.
type EmailsList struct {
	Data []models.EmailAccount `json:"data"`
}

// CheckProgress reports progress of one running mailbox check.
type CheckProgress struct {
	EmailID  int64  `json:"email_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// MailRecordsMsg carries the retrieved records for one account.
type MailRecordsMsg struct {
	EmailID int64               `json:"email_id"`
	Data    []models.MailRecord `json:"data"`
}

// EmailsDeleted reports server-confirmed deletions.
type EmailsDeleted struct {
	EmailIDs []int64 `json:"email_ids"`
}

// Notice is an info/success/warning/error notification from the server.
type Notice struct {
	Message string `json:"message"`
}

// encodeMessage flattens the payload fields into the envelope next to the
// type tag, matching the wire format.
func encodeMessage(msgType string, fields map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}
	return data, nil
}

// peekType extracts the type tag without decoding the full message.
func peekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode message envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("message has no type tag")
	}
	return envelope.Type, nil
}
