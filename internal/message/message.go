package message

import "time"

// Status is the single-letter connector message status persisted in the
// store.
type Status string

const (
	StatusReceived    Status = "R"
	StatusFiltered    Status = "F"
	StatusTransformed Status = "T"
	StatusSent        Status = "S"
	StatusQueued      Status = "Q"
	StatusError       Status = "E"
	StatusPending     Status = "P"
)

// Terminal reports whether the status ends a connector's work on a message.
// QUEUED is not terminal for the connector but does release the pipeline.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFiltered || s == StatusError
}

// Human returns a readable name for the status code.
func (s Status) Human() string {
	switch s {
	case StatusReceived:
		return "RECEIVED"
	case StatusFiltered:
		return "FILTERED"
	case StatusTransformed:
		return "TRANSFORMED"
	case StatusSent:
		return "SENT"
	case StatusQueued:
		return "QUEUED"
	case StatusError:
		return "ERROR"
	case StatusPending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// Message is the header row for one external ingest. It becomes immutable
// after Processed is set, except through reprocess which creates a new
// Message pointing back via OriginalID.
type Message struct {
	ChannelID    string    `db:"channel_id" json:"channelId"`
	ID           int64     `db:"id" json:"id"`
	ServerID     string    `db:"server_id" json:"serverId"`
	ReceivedDate time.Time `db:"received_date" json:"receivedDate"`
	Processed    bool      `db:"processed" json:"processed"`
	OriginalID   *int64    `db:"original_id" json:"originalId,omitempty"`
	ImportID     *int64    `db:"import_id" json:"importId,omitempty"`
}

// ConnectorMessage is the per-connector row for one message. Metadata id 0
// is the source; 1..N are destinations in configured order.
type ConnectorMessage struct {
	MessageID     int64      `db:"message_id" json:"messageId"`
	MetadataID    int        `db:"metadata_id" json:"metadataId"`
	ConnectorName string     `db:"connector_name" json:"connectorName"`
	ReceivedDate  time.Time  `db:"received_date" json:"receivedDate"`
	SendDate      *time.Time `db:"send_date" json:"sendDate,omitempty"`
	ResponseDate  *time.Time `db:"response_date" json:"responseDate,omitempty"`
	Status        Status     `db:"status" json:"status"`
	SendAttempts  int        `db:"send_attempts" json:"sendAttempts"`
	ErrorCode     int        `db:"error_code" json:"errorCode"`
}

// Response is what a destination send produced, or what the source returns
// to its caller.
type Response struct {
	Status        Status `json:"status"`
	Content       string `json:"content"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Error         string `json:"error,omitempty"`

	// MessageID is set on responses returned to a source: the id assigned
	// to the inbound message.
	MessageID int64 `json:"messageId,omitempty"`
}
