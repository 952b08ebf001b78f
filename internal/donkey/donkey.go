// Package donkey is the per-channel relational message store. Every channel
// owns five tables named from its id; the Donkey hands out channel-unique
// message ids, performs CRUD for messages, connector messages, content rows,
// attachments and statistics, and scopes multi-row work in transactions.
package donkey

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"conduit/internal/api"
	"conduit/pkg/logging"
)

// Table name prefixes. The suffix is the channel id with hyphens replaced
// by underscores.
const (
	prefixMessage    = "D_M"
	prefixConnector  = "D_MM"
	prefixContent    = "D_MC"
	prefixAttachment = "D_MA"
	prefixStatistics = "D_MS"
)

// DefaultAttachmentSegmentSize is the segment size for attachment blobs
// when the configuration does not override it.
const DefaultAttachmentSegmentSize = 10 * 1024 * 1024

// Donkey provides access to the per-channel table sets of one database.
// It is safe for concurrent use.
type Donkey struct {
	db       *sqlx.DB
	driver   string
	serverID string

	segmentSize int

	// Per-channel message id sequences, seeded lazily from MAX(id).
	seqMu     sync.Mutex
	sequences map[string]*int64
}

// Config holds the store settings.
type Config struct {
	// Driver is "sqlite3" or "postgres".
	Driver string
	// DSN is the driver-specific data source name.
	DSN string
	// ServerID identifies this process in message and statistics rows.
	ServerID string
	// AttachmentSegmentSize bounds one attachment segment; zero means
	// DefaultAttachmentSegmentSize.
	AttachmentSegmentSize int
}

// Open connects to the database and returns a ready Donkey.
func Open(cfg Config) (*Donkey, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening message store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging message store: %w", err)
	}
	return New(db, cfg), nil
}

// New wraps an existing connection. Used by tests with in-memory sqlite.
func New(db *sqlx.DB, cfg Config) *Donkey {
	segment := cfg.AttachmentSegmentSize
	if segment <= 0 {
		segment = DefaultAttachmentSegmentSize
	}
	return &Donkey{
		db:          db,
		driver:      db.DriverName(),
		serverID:    cfg.ServerID,
		segmentSize: segment,
		sequences:   make(map[string]*int64),
	}
}

// Close releases the underlying connection pool.
func (d *Donkey) Close() error {
	return d.db.Close()
}

// ServerID returns the server id rows are written with.
func (d *Donkey) ServerID() string {
	return d.serverID
}

// tableSuffix derives the table suffix for a channel id.
func tableSuffix(channelID string) string {
	return strings.ReplaceAll(channelID, "-", "_")
}

func messageTable(channelID string) string    { return prefixMessage + tableSuffix(channelID) }
func connectorTable(channelID string) string  { return prefixConnector + tableSuffix(channelID) }
func contentTable(channelID string) string    { return prefixContent + tableSuffix(channelID) }
func attachmentTable(channelID string) string { return prefixAttachment + tableSuffix(channelID) }
func statsTable(channelID string) string      { return prefixStatistics + tableSuffix(channelID) }

// MessageTablesExist reports whether the channel's table set has been
// created on this database.
func (d *Donkey) MessageTablesExist(channelID string) (bool, error) {
	var query string
	switch d.driver {
	case "postgres":
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE lower(table_name) = lower($1)`
	default:
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND lower(name) = lower(?)`
	}
	var count int
	if err := d.db.Get(&count, query, messageTable(channelID)); err != nil {
		return false, fmt.Errorf("checking tables for channel %s: %w", channelID, err)
	}
	return count > 0, nil
}

// CreateChannelTables creates the channel's table set if missing, including
// any custom metadata columns. DDL runs under an advisory lock on postgres
// so concurrent deploys of the same channel never race the schema.
func (d *Donkey) CreateChannelTables(channelID string, metaColumns []MetaColumn) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting DDL transaction: %w", err)
	}
	defer tx.Rollback()

	if d.driver == "postgres" {
		if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, ddlLockKey(channelID)); err != nil {
			return fmt.Errorf("acquiring DDL lock for channel %s: %w", channelID, err)
		}
	}

	metaDDL := ""
	for _, col := range metaColumns {
		metaDDL += fmt.Sprintf(", \"%s\" %s", col.Name, col.SQLType())
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT NOT NULL,
			server_id TEXT NOT NULL,
			received_date TIMESTAMP NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			original_id BIGINT,
			import_id BIGINT,
			PRIMARY KEY (id)
		)`, messageTable(channelID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			connector_name TEXT NOT NULL DEFAULT '',
			received_date TIMESTAMP NOT NULL,
			send_date TIMESTAMP,
			response_date TIMESTAMP,
			status TEXT NOT NULL,
			send_attempts INTEGER NOT NULL DEFAULT 0,
			error_code INTEGER NOT NULL DEFAULT 0%s,
			PRIMARY KEY (message_id, metadata_id)
		)`, connectorTable(channelID), metaDDL),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			content_type INTEGER NOT NULL,
			content TEXT NOT NULL,
			data_type TEXT NOT NULL DEFAULT '',
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (message_id, metadata_id, content_type)
		)`, contentTable(channelID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			segment_no INTEGER NOT NULL,
			content BYTEA NOT NULL,
			PRIMARY KEY (id, segment_no)
		)`, attachmentTable(channelID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			server_id TEXT NOT NULL,
			metadata_id INTEGER NOT NULL,
			received BIGINT NOT NULL DEFAULT 0,
			filtered BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			errored BIGINT NOT NULL DEFAULT 0,
			queued BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (server_id, metadata_id)
		)`, statsTable(channelID)),
	}

	for _, stmt := range statements {
		if d.driver != "postgres" {
			stmt = strings.ReplaceAll(stmt, "BYTEA", "BLOB")
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables for channel %s: %w", channelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing DDL for channel %s: %w", channelID, err)
	}
	logging.Debug("Donkey", "tables ready for channel %s", channelID)
	return nil
}

// DropChannelTables removes the channel's table set entirely. Used by the
// prune path when a channel is deleted for good, never on plain undeploy.
func (d *Donkey) DropChannelTables(channelID string) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("starting DDL transaction: %w", err)
	}
	defer tx.Rollback()

	if d.driver == "postgres" {
		if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, ddlLockKey(channelID)); err != nil {
			return fmt.Errorf("acquiring DDL lock for channel %s: %w", channelID, err)
		}
	}
	for _, table := range []string{
		contentTable(channelID), attachmentTable(channelID), statsTable(channelID),
		connectorTable(channelID), messageTable(channelID),
	} {
		if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return fmt.Errorf("dropping tables for channel %s: %w", channelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing DDL for channel %s: %w", channelID, err)
	}
	d.ForgetChannel(channelID)
	return nil
}

// ddlLockKey maps a channel id onto a stable advisory lock key.
func ddlLockKey(channelID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(channelID))
	return int64(h.Sum64())
}

// NextMessageID returns the next channel-unique message id. Ids are
// monotonic and atomic within this server; the sequence is seeded from the
// highest stored id on first use.
func (d *Donkey) NextMessageID(channelID string) (int64, error) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	seq, ok := d.sequences[channelID]
	if !ok {
		var max sql.NullInt64
		query := d.db.Rebind(fmt.Sprintf(`SELECT MAX(id) FROM %s`, messageTable(channelID)))
		if err := d.db.Get(&max, query); err != nil {
			return 0, d.integrity(channelID, fmt.Errorf("seeding message sequence: %w", err))
		}
		v := max.Int64
		seq = &v
		d.sequences[channelID] = seq
	}
	*seq++
	return *seq, nil
}

// ForgetChannel drops in-memory state for a channel. Called on undeploy and
// after remove-all so the sequence reseeds from the table.
func (d *Donkey) ForgetChannel(channelID string) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	delete(d.sequences, channelID)
}

// integrity classifies a storage error. A failure caused by a missing table
// set means the channel is not deployed on this database.
func (d *Donkey) integrity(channelID string, err error) error {
	return &api.IntegrityError{ChannelID: channelID, Err: err}
}

// MetaColumn describes one custom metadata column added to the connector
// message table at deploy time.
type MetaColumn struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"` // STRING, NUMBER, BOOLEAN, TIMESTAMP
}

// SQLType maps the logical column type onto portable SQL.
func (c MetaColumn) SQLType() string {
	switch strings.ToUpper(c.Type) {
	case "NUMBER":
		return "BIGINT"
	case "BOOLEAN":
		return "BOOLEAN"
	case "TIMESTAMP":
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
