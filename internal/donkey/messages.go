package donkey

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conduit/internal/api"
	"conduit/internal/message"
)

// InsertMessage persists a new message header row.
func (d *Donkey) InsertMessage(channelID string, msg *message.Message) error {
	query := d.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, server_id, received_date, processed, original_id, import_id)
		 VALUES (?, ?, ?, ?, ?, ?)`, messageTable(channelID)))
	_, err := d.db.Exec(query, msg.ID, msg.ServerID, msg.ReceivedDate, msg.Processed,
		msg.OriginalID, msg.ImportID)
	if err != nil {
		return d.integrity(channelID, fmt.Errorf("inserting message %d: %w", msg.ID, err))
	}
	return nil
}

// GetMessage loads one message header.
func (d *Donkey) GetMessage(channelID string, messageID int64) (*message.Message, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT id, server_id, received_date, processed, original_id, import_id
		 FROM %s WHERE id = ?`, messageTable(channelID)))
	var msg message.Message
	if err := d.db.Get(&msg, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.NewMessageNotFoundError(channelID, messageID)
		}
		return nil, d.integrity(channelID, err)
	}
	msg.ChannelID = channelID
	return &msg, nil
}

// InsertConnectorMessage persists the per-connector row created at the start
// of connector work.
func (d *Donkey) InsertConnectorMessage(channelID string, cm *message.ConnectorMessage) error {
	query := d.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (message_id, metadata_id, connector_name, received_date,
		                 send_date, response_date, status, send_attempts, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, connectorTable(channelID)))
	_, err := d.db.Exec(query, cm.MessageID, cm.MetadataID, cm.ConnectorName,
		cm.ReceivedDate, cm.SendDate, cm.ResponseDate, cm.Status, cm.SendAttempts, cm.ErrorCode)
	if err != nil {
		return d.integrity(channelID, fmt.Errorf("inserting connector message %d/%d: %w",
			cm.MessageID, cm.MetadataID, err))
	}
	return nil
}

// UpdateConnectorStatus persists a status transition together with the
// timestamps and attempt counter of the row.
func (d *Donkey) UpdateConnectorStatus(channelID string, cm *message.ConnectorMessage) error {
	query := d.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET status = ?, send_date = ?, response_date = ?,
		        send_attempts = ?, error_code = ?
		 WHERE message_id = ? AND metadata_id = ?`, connectorTable(channelID)))
	_, err := d.db.Exec(query, cm.Status, cm.SendDate, cm.ResponseDate,
		cm.SendAttempts, cm.ErrorCode, cm.MessageID, cm.MetadataID)
	if err != nil {
		return d.integrity(channelID, fmt.Errorf("updating connector message %d/%d: %w",
			cm.MessageID, cm.MetadataID, err))
	}
	return nil
}

// ConnectorMessages returns every connector row of a message ordered by
// metadata id.
func (d *Donkey) ConnectorMessages(channelID string, messageID int64) ([]message.ConnectorMessage, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, metadata_id, connector_name, received_date, send_date,
		        response_date, status, send_attempts, error_code
		 FROM %s WHERE message_id = ? ORDER BY metadata_id`, connectorTable(channelID)))
	var rows []message.ConnectorMessage
	if err := d.db.Select(&rows, query, messageID); err != nil {
		return nil, d.integrity(channelID, err)
	}
	return rows, nil
}

// QueuedConnectorMessages returns connector rows sitting in QUEUED for one
// destination, oldest message first. Destination queues drain from here, so
// queued work survives restarts.
func (d *Donkey) QueuedConnectorMessages(channelID string, metadataID, limit int) ([]message.ConnectorMessage, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT message_id, metadata_id, connector_name, received_date, send_date,
		        response_date, status, send_attempts, error_code
		 FROM %s WHERE metadata_id = ? AND status = ?
		 ORDER BY message_id LIMIT ?`, connectorTable(channelID)))
	var rows []message.ConnectorMessage
	if err := d.db.Select(&rows, query, metadataID, message.StatusQueued, limit); err != nil {
		return nil, d.integrity(channelID, err)
	}
	return rows, nil
}

// MarkProcessed flips the message's processed flag.
func (d *Donkey) MarkProcessed(channelID string, messageID int64) error {
	query := d.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET processed = ? WHERE id = ?`, messageTable(channelID)))
	if _, err := d.db.Exec(query, true, messageID); err != nil {
		return d.integrity(channelID, fmt.Errorf("marking message %d processed: %w", messageID, err))
	}
	return nil
}

// QueryFilter narrows a message search.
type QueryFilter struct {
	// Status limits results to messages having at least one connector row in
	// this status. Empty means no status filter.
	Status message.Status
	// MinDate/MaxDate bound the received date when non-zero.
	MinDate time.Time
	MaxDate time.Time
	// ProcessedOnly / UnprocessedOnly are mutually exclusive.
	ProcessedOnly   bool
	UnprocessedOnly bool
}

// Query pages through a channel's messages, newest first.
func (d *Donkey) Query(channelID string, filter QueryFilter, offset, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE 1 = 1"
	args := []interface{}{}
	if filter.ProcessedOnly {
		where += " AND m.processed = ?"
		args = append(args, true)
	}
	if filter.UnprocessedOnly {
		where += " AND m.processed = ?"
		args = append(args, false)
	}
	if !filter.MinDate.IsZero() {
		where += " AND m.received_date >= ?"
		args = append(args, filter.MinDate)
	}
	if !filter.MaxDate.IsZero() {
		where += " AND m.received_date <= ?"
		args = append(args, filter.MaxDate)
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM %s mm WHERE mm.message_id = m.id AND mm.status = ?)",
			connectorTable(channelID))
		args = append(args, filter.Status)
	}
	args = append(args, limit, offset)

	query := d.db.Rebind(fmt.Sprintf(
		`SELECT m.id, m.server_id, m.received_date, m.processed, m.original_id, m.import_id
		 FROM %s m %s ORDER BY m.id DESC LIMIT ? OFFSET ?`, messageTable(channelID), where))
	var msgs []message.Message
	if err := d.db.Select(&msgs, query, args...); err != nil {
		return nil, d.integrity(channelID, err)
	}
	for i := range msgs {
		msgs[i].ChannelID = channelID
	}
	return msgs, nil
}

// UnfinishedMessages returns the messages recovery must resolve: rows owned
// by the given server that were never marked processed, oldest first.
func (d *Donkey) UnfinishedMessages(channelID, serverID string) ([]message.Message, error) {
	query := d.db.Rebind(fmt.Sprintf(
		`SELECT id, server_id, received_date, processed, original_id, import_id
		 FROM %s WHERE processed = ? AND server_id = ? ORDER BY id`, messageTable(channelID)))
	var msgs []message.Message
	if err := d.db.Select(&msgs, query, false, serverID); err != nil {
		return nil, d.integrity(channelID, err)
	}
	for i := range msgs {
		msgs[i].ChannelID = channelID
	}
	return msgs, nil
}

// RemoveMessage deletes one message with its connector rows, content and
// attachments in a single transaction.
func (d *Donkey) RemoveMessage(channelID string, messageID int64) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting remove transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, attachmentTable(channelID)),
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, contentTable(channelID)),
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, connectorTable(channelID)),
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, messageTable(channelID)),
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(tx.Rebind(stmt), messageID); err != nil {
			return d.integrity(channelID, fmt.Errorf("removing message %d: %w", messageID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing remove of message %d: %w", messageID, err)
	}
	return nil
}

// RemoveAllMessages empties the channel's message, connector, content and
// attachment tables in one transaction. Statistics are untouched.
func (d *Donkey) RemoveAllMessages(channelID string) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting remove-all transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		attachmentTable(channelID),
		contentTable(channelID),
		connectorTable(channelID),
		messageTable(channelID),
	}
	for _, table := range tables {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return d.integrity(channelID, fmt.Errorf("emptying %s: %w", table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing remove-all: %w", err)
	}
	d.ForgetChannel(channelID)
	return nil
}

// MessageCount returns the number of stored messages, optionally excluding
// imported ones.
func (d *Donkey) MessageCount(channelID string, excludeImports bool) (int64, error) {
	where := ""
	if excludeImports {
		where = " WHERE import_id IS NULL"
	}
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, messageTable(channelID), where)
	if err := d.db.Get(&count, query); err != nil {
		return 0, d.integrity(channelID, err)
	}
	return count, nil
}
