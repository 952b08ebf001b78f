package donkey

import (
	"database/sql"
	"errors"
	"fmt"

	"conduit/internal/message"
)

// UpsertContent stores a content row, replacing any previous row with the
// same (message, metadata, content type) key. Retries overwrite only the
// SENT and RESPONSE kinds; callers enforce that by simply writing again.
func (d *Donkey) UpsertContent(channelID string, c *message.Content) error {
	query := d.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (message_id, metadata_id, content_type, content, data_type, encrypted)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id, metadata_id, content_type)
		 DO UPDATE SET content = excluded.content, data_type = excluded.data_type,
		               encrypted = excluded.encrypted`, contentTable(channelID)))
	_, err := d.db.Exec(query, c.MessageID, c.MetadataID, c.ContentType,
		c.Content, c.DataType, c.Encrypted)
	if err != nil {
		return d.integrity(channelID, fmt.Errorf("upserting content %d/%d/%d: %w",
			c.MessageID, c.MetadataID, c.ContentType, err))
	}
	return nil
}

// GetContent loads one content row. A missing row returns (nil, nil): most
// kinds are optional per connector.
func (d *Donkey) GetContent(channelID string, messageID int64, metadataID int, contentType message.ContentType) (*message.Content, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, metadata_id, content_type, content, data_type, encrypted
		 FROM %s WHERE message_id = ? AND metadata_id = ? AND content_type = ?`,
		contentTable(channelID)))
	var c message.Content
	if err := d.db.Get(&c, query, messageID, metadataID, contentType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, d.integrity(channelID, err)
	}
	return &c, nil
}

// MessageContent returns every content row of a message ordered by metadata
// id then content type.
func (d *Donkey) MessageContent(channelID string, messageID int64) ([]message.Content, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, metadata_id, content_type, content, data_type, encrypted
		 FROM %s WHERE message_id = ? ORDER BY metadata_id, content_type`,
		contentTable(channelID)))
	var rows []message.Content
	if err := d.db.Select(&rows, query, messageID); err != nil {
		return nil, d.integrity(channelID, err)
	}
	return rows, nil
}

// SourceMaps returns the stored source-map content of every message in the
// channel, keyed by message id. The trace forward walk scans these.
func (d *Donkey) SourceMaps(channelID string) (map[int64]string, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, content FROM %s WHERE metadata_id = 0 AND content_type = ?`,
		contentTable(channelID)))
	rows, err := d.db.Queryx(query, message.ContentSourceMap)
	if err != nil {
		return nil, d.integrity(channelID, err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, d.integrity(channelID, err)
		}
		out[id] = content
	}
	return out, rows.Err()
}

// DeleteContentForMessage removes every content row of a message. Used when
// a channel's storage mode discards content after processing.
func (d *Donkey) DeleteContentForMessage(channelID string, messageID int64) error {
	query := d.db.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE message_id = ?`, contentTable(channelID)))
	if _, err := d.db.Exec(query, messageID); err != nil {
		return d.integrity(channelID, fmt.Errorf("deleting content of message %d: %w", messageID, err))
	}
	return nil
}
