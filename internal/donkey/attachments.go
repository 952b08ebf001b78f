package donkey

import (
	"fmt"

	"conduit/internal/api"
)

// Attachment is a large binary blob belonging to a message. It is stored in
// fixed-size segments and rejoined on read.
type Attachment struct {
	ID        string
	MessageID int64
	Data      []byte
}

// PutAttachment writes the attachment in segments of the configured size
// within one transaction.
func (d *Donkey) PutAttachment(channelID string, att *Attachment) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting attachment transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, message_id, segment_no, content) VALUES (?, ?, ?, ?)`,
		attachmentTable(channelID)))

	data := att.Data
	for segment := 0; len(data) > 0 || segment == 0; segment++ {
		chunk := data
		if len(chunk) > d.segmentSize {
			chunk = chunk[:d.segmentSize]
		}
		if _, err := tx.Exec(query, att.ID, att.MessageID, segment, chunk); err != nil {
			return d.integrity(channelID, fmt.Errorf("writing attachment %s segment %d: %w",
				att.ID, segment, err))
		}
		data = data[len(chunk):]
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing attachment %s: %w", att.ID, err)
	}
	return nil
}

// GetAttachment reads an attachment, concatenating segments by ascending
// segment number.
func (d *Donkey) GetAttachment(channelID, attachmentID string) (*Attachment, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, content FROM %s WHERE id = ? ORDER BY segment_no`,
		attachmentTable(channelID)))
	rows, err := d.db.Queryx(query, attachmentID)
	if err != nil {
		return nil, d.integrity(channelID, err)
	}
	defer rows.Close()

	att := &Attachment{ID: attachmentID}
	found := false
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&att.MessageID, &chunk); err != nil {
			return nil, d.integrity(channelID, err)
		}
		att.Data = append(att.Data, chunk...)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, d.integrity(channelID, err)
	}
	if !found {
		return nil, api.NewNotFoundError("attachment", attachmentID)
	}
	return att, nil
}
