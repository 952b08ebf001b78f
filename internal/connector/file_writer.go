package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conduit/internal/message"
	"conduit/internal/script"
)

// FileWriter is a file destination. ${messageId} and ${channelId} in the
// configured file name are substituted per message.
type FileWriter struct {
	name      string
	directory string
	fileName  string
	append    bool
}

// NewFileWriter builds the destination from validated configuration.
func NewFileWriter(name, directory, fileName string, appendMode bool) *FileWriter {
	if name == "" {
		name = "File Writer"
	}
	return &FileWriter{name: name, directory: directory, fileName: fileName, append: appendMode}
}

func (w *FileWriter) Name() string { return w.name }

// Start ensures the target directory exists.
func (w *FileWriter) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.directory, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", w.directory, err)
	}
	return nil
}

func (w *FileWriter) Stop(ctx context.Context) error { return nil }

// Send writes the encoded message to the resolved file.
func (w *FileWriter) Send(ctx context.Context, view *script.View) SendResult {
	payload := view.Encoded
	if payload == "" {
		payload = view.Transformed
	}

	name := w.fileName
	name = strings.ReplaceAll(name, "${messageId}", fmt.Sprintf("%d", view.MessageID))
	name = strings.ReplaceAll(name, "${channelId}", view.ChannelID)
	path := filepath.Join(w.directory, name)

	flags := os.O_CREATE | os.O_WRONLY
	if w.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errorResult(fmt.Errorf("opening %s: %w", path, err))
	}
	defer f.Close()

	if _, err := f.WriteString(payload); err != nil {
		return errorResult(fmt.Errorf("writing %s: %w", path, err))
	}
	return SendResult{Status: message.StatusSent, ResponseContent: path}
}
