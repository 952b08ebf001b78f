package donkey

import (
	"fmt"

	"conduit/internal/api"
	"conduit/internal/message"
)

// statColumn maps a tracked status onto its counter column.
func statColumn(status message.Status) (string, bool) {
	switch status {
	case message.StatusReceived:
		return "received", true
	case message.StatusFiltered:
		return "filtered", true
	case message.StatusSent:
		return "sent", true
	case message.StatusError:
		return "errored", true
	case message.StatusQueued:
		return "queued", true
	}
	return "", false
}

// IncrementStats adds n to the counter of the given status for
// (channel, metadata id, this server). Untracked statuses are a no-op.
func (d *Donkey) IncrementStats(channelID string, metadataID int, status message.Status, n int64) error {
	column, ok := statColumn(status)
	if !ok || n == 0 {
		return nil
	}
	query := d.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (server_id, metadata_id, %s) VALUES (?, ?, ?)
		 ON CONFLICT (server_id, metadata_id)
		 DO UPDATE SET %s = %s + excluded.%s`,
		statsTable(channelID), column, column, column, column))
	if _, err := d.db.Exec(query, d.serverID, metadataID, n); err != nil {
		return d.integrity(channelID, fmt.Errorf("incrementing %s stats: %w", column, err))
	}
	return nil
}

// GetStatistics returns the channel's counter snapshot summed across
// servers, split per metadata id.
func (d *Donkey) GetStatistics(channelID string) (api.StatisticsView, error) {
	query := fmt.Sprintf(
		`SELECT metadata_id, SUM(received), SUM(filtered), SUM(sent), SUM(errored), SUM(queued)
		 FROM %s GROUP BY metadata_id ORDER BY metadata_id`, statsTable(channelID))
	rows, err := d.db.Queryx(query)
	if err != nil {
		return api.StatisticsView{}, d.integrity(channelID, err)
	}
	defer rows.Close()

	view := api.StatisticsView{PerConnector: make(map[int]api.ConnectorStats)}
	for rows.Next() {
		var metadataID int
		var cs api.ConnectorStats
		if err := rows.Scan(&metadataID, &cs.Received, &cs.Filtered, &cs.Sent, &cs.Errored, &cs.Queued); err != nil {
			return api.StatisticsView{}, d.integrity(channelID, err)
		}
		view.PerConnector[metadataID] = cs
		view.Received += cs.Received
		view.Filtered += cs.Filtered
		view.Sent += cs.Sent
		view.Errored += cs.Errored
		view.Queued += cs.Queued
	}
	return view, rows.Err()
}

// ResetStatistics zeroes every counter of the channel.
func (d *Donkey) ResetStatistics(channelID string) error {
	if _, err := d.db.Exec(fmt.Sprintf(`DELETE FROM %s`, statsTable(channelID))); err != nil {
		return d.integrity(channelID, fmt.Errorf("resetting statistics: %w", err))
	}
	return nil
}

// ClearStatistics zeroes the counters of a single metadata id.
func (d *Donkey) ClearStatistics(channelID string, metadataID int) error {
	query := d.db.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE metadata_id = ?`, statsTable(channelID)))
	if _, err := d.db.Exec(query, metadataID); err != nil {
		return d.integrity(channelID, fmt.Errorf("clearing statistics for connector %d: %w", metadataID, err))
	}
	return nil
}
