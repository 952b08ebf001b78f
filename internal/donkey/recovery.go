package donkey

import (
	"fmt"

	"conduit/internal/message"
)

// ResolveUnfinished force-resolves one unprocessed message in a single
// transaction: every connector row still in RECEIVED or PENDING flips to
// ERROR, a PROCESSING_ERROR content row explaining the resolution is
// written per flipped connector, ERROR statistics are incremented, and the
// message is marked processed.
//
// It returns the number of connector rows flipped. Running it again on the
// same message is a no-op, which makes recovery idempotent.
func (d *Donkey) ResolveUnfinished(channelID string, messageID int64) (int, error) {
	tx, err := d.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("starting recovery transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(fmt.Sprintf(
		`SELECT metadata_id, status FROM %s
		 WHERE message_id = ? AND status IN (?, ?)`, connectorTable(channelID)))
	rows, err := tx.Queryx(query, messageID, message.StatusReceived, message.StatusPending)
	if err != nil {
		return 0, d.integrity(channelID, err)
	}
	type stuck struct {
		metadataID int
		status     message.Status
	}
	var stuckRows []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.metadataID, &s.status); err != nil {
			rows.Close()
			return 0, d.integrity(channelID, err)
		}
		stuckRows = append(stuckRows, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, d.integrity(channelID, err)
	}

	updateQuery := tx.Rebind(fmt.Sprintf(
		`UPDATE %s SET status = ? WHERE message_id = ? AND metadata_id = ?`,
		connectorTable(channelID)))
	contentQuery := tx.Rebind(fmt.Sprintf(
		`INSERT INTO %s (message_id, metadata_id, content_type, content, data_type, encrypted)
		 VALUES (?, ?, ?, ?, '', ?)
		 ON CONFLICT (message_id, metadata_id, content_type)
		 DO UPDATE SET content = excluded.content`, contentTable(channelID)))
	statsQuery := tx.Rebind(fmt.Sprintf(
		`INSERT INTO %s (server_id, metadata_id, errored) VALUES (?, ?, 1)
		 ON CONFLICT (server_id, metadata_id)
		 DO UPDATE SET errored = errored + 1`,
		statsTable(channelID)))

	for _, s := range stuckRows {
		if _, err := tx.Exec(updateQuery, message.StatusError, messageID, s.metadataID); err != nil {
			return 0, d.integrity(channelID, err)
		}
		explanation := fmt.Sprintf("recovered after restart; original status %s", s.status.Human())
		if _, err := tx.Exec(contentQuery, messageID, s.metadataID,
			message.ContentProcessingError, explanation, false); err != nil {
			return 0, d.integrity(channelID, err)
		}
		if _, err := tx.Exec(statsQuery, d.serverID, s.metadataID); err != nil {
			return 0, d.integrity(channelID, err)
		}
	}

	markQuery := tx.Rebind(fmt.Sprintf(
		`UPDATE %s SET processed = ? WHERE id = ?`, messageTable(channelID)))
	if _, err := tx.Exec(markQuery, true, messageID); err != nil {
		return 0, d.integrity(channelID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing recovery of message %d: %w", messageID, err)
	}
	return len(stuckRows), nil
}
