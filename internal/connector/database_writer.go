package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cast"

	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/internal/script"
)

// DatabaseWriter is a database destination running one parameterized
// statement per message. Params name view fields bound in order: "raw",
// "transformed", "encoded", "messageId", "channelId", or "channelMap.<key>"
// / "sourceMap.<key>" lookups.
type DatabaseWriter struct {
	name string
	cfg  config.DatabaseWriter
	db   *sqlx.DB
}

// NewDatabaseWriter builds the destination from validated configuration.
func NewDatabaseWriter(name string, cfg config.DatabaseWriter) *DatabaseWriter {
	if name == "" {
		name = "Database Writer"
	}
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	return &DatabaseWriter{name: name, cfg: cfg}
}

func (w *DatabaseWriter) Name() string { return w.name }

// Start opens the connection pool. A failure leaves the channel STOPPED.
func (w *DatabaseWriter) Start(ctx context.Context) error {
	db, err := sqlx.Open(w.cfg.Driver, w.cfg.DSN)
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging destination database: %w", err)
	}
	w.db = db
	return nil
}

func (w *DatabaseWriter) Stop(ctx context.Context) error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

// Send executes the configured statement with params bound from the view.
func (w *DatabaseWriter) Send(ctx context.Context, view *script.View) SendResult {
	if w.db == nil {
		return errorResult(fmt.Errorf("destination database not started"))
	}

	args := make([]interface{}, 0, len(w.cfg.Params))
	for _, param := range w.cfg.Params {
		args = append(args, bindParam(param, view))
	}

	result, err := w.db.ExecContext(ctx, w.db.Rebind(w.cfg.Query), args...)
	if err != nil {
		return errorResult(fmt.Errorf("executing destination query: %w", err))
	}
	affected, _ := result.RowsAffected()
	return SendResult{
		Status:          message.StatusSent,
		ResponseContent: fmt.Sprintf("%d row(s) affected", affected),
	}
}

func bindParam(param string, view *script.View) interface{} {
	switch param {
	case "raw":
		return view.Raw
	case "transformed":
		return view.Transformed
	case "encoded":
		if view.Encoded != "" {
			return view.Encoded
		}
		return view.Transformed
	case "messageId":
		return view.MessageID
	case "channelId":
		return view.ChannelID
	}
	if key, ok := strings.CutPrefix(param, "channelMap."); ok {
		return cast.ToString(view.ChannelMap[key])
	}
	if key, ok := strings.CutPrefix(param, "sourceMap."); ok {
		return cast.ToString(view.SourceMap[key])
	}
	return nil
}
