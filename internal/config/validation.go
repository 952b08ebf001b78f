package config

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"conduit/internal/api"
)

func oneOf(value string, allowed ...string) bool {
	if value == "" {
		return true
	}
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func validHex(value string) bool {
	if value == "" {
		return true
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

// Validate checks a channel definition and returns a ConfigError listing
// every missing or invalid field. The engine only ever sees validated
// configurations.
func (c *Channel) Validate() error {
	var fields []api.FieldError
	add := func(field, reason string) {
		fields = append(fields, api.FieldError{Field: field, Reason: reason})
	}

	if c.ID == "" {
		add("id", "required")
	} else if _, err := uuid.Parse(c.ID); err != nil {
		add("id", "must be a UUID")
	}
	if c.Name == "" {
		add("name", "required")
	}
	if !oneOf(c.InitialState, "STARTED", "STOPPED") {
		add("initialState", "must be STARTED or STOPPED")
	}
	if !oneOf(c.MessageStorageMode, StorageDevelopment, StorageProduction, StorageMetadata) {
		add("messageStorageMode", "must be DEVELOPMENT, PRODUCTION or METADATA")
	}
	if !oneOf(c.ResponseSelection, SelectNone, SelectAutoBeforeProcessing,
		SelectAutoAfterProcessing, SelectSourceTransformed, SelectPostprocessor,
		SelectDestinationsCompleted) {
		add("responseSelection", "unknown policy")
	}
	if c.MaxProcessingThreads < 0 {
		add("maxProcessingThreads", "must not be negative")
	}
	for i, col := range c.MetaDataColumns {
		if col.Name == "" {
			add(fmt.Sprintf("metaDataColumns[%d].name", i), "required")
		}
		if !oneOf(col.Type, "STRING", "NUMBER", "BOOLEAN", "TIMESTAMP") {
			add(fmt.Sprintf("metaDataColumns[%d].type", i), "must be STRING, NUMBER, BOOLEAN or TIMESTAMP")
		}
	}

	c.validateSource(add)
	if len(c.Destinations) == 0 {
		add("destinations", "at least one destination is required")
	}
	for i := range c.Destinations {
		c.Destinations[i].validate(i, add)
	}

	if len(fields) > 0 {
		return &api.ConfigError{ChannelID: c.ID, Fields: fields}
	}
	return nil
}

func (c *Channel) validateSource(add func(field, reason string)) {
	s := &c.Source
	if !oneOf(s.ResponseMode, ResponseAuto, ResponseDestination, ResponseNone) {
		add("source.responseMode", "must be AUTO, DESTINATION or NONE")
	}
	switch s.Type {
	case TypeTCP:
		if s.TCP == nil {
			add("source.tcp", "required for type tcp")
			return
		}
		if s.TCP.Port <= 0 || s.TCP.Port > 65535 {
			add("source.tcp.port", "must be 1-65535")
		}
		if !oneOf(s.TCP.TransmissionMode, ModeMLLP, ModeFrame, ModeRaw) {
			add("source.tcp.transmissionMode", "must be MLLP, FRAME or RAW")
		}
		if !validHex(s.TCP.StartOfMessageBytes) {
			add("source.tcp.startOfMessageBytes", "must be hex")
		}
		if !validHex(s.TCP.EndOfMessageBytes) {
			add("source.tcp.endOfMessageBytes", "must be hex")
		}
	case TypeHTTP:
		if s.HTTP == nil {
			add("source.http", "required for type http")
			return
		}
		if s.HTTP.Port <= 0 || s.HTTP.Port > 65535 {
			add("source.http.port", "must be 1-65535")
		}
	case TypeVM:
		// No settings.
	case "":
		add("source.type", "required")
	default:
		add("source.type", fmt.Sprintf("unknown connector type %q", s.Type))
	}
}

func (d *Destination) validate(index int, add func(field, reason string)) {
	prefix := fmt.Sprintf("destinations[%d]", index)
	if d.Name == "" {
		add(prefix+".name", "required")
	}
	if d.RetryIntervalMS < 0 {
		add(prefix+".retryIntervalMs", "must not be negative")
	}

	need := func(ok bool, field string) {
		if !ok {
			add(fmt.Sprintf("%s.%s", prefix, field), "required for type "+d.Type)
		}
	}
	switch d.Type {
	case TypeTCP:
		need(d.TCP != nil, "tcp")
		if d.TCP != nil {
			if d.TCP.Port <= 0 || d.TCP.Port > 65535 {
				add(prefix+".tcp.port", "must be 1-65535")
			}
			if !oneOf(d.TCP.TransmissionMode, ModeMLLP, ModeFrame, ModeRaw) {
				add(prefix+".tcp.transmissionMode", "must be MLLP, FRAME or RAW")
			}
			if !validHex(d.TCP.StartOfMessageBytes) || !validHex(d.TCP.EndOfMessageBytes) {
				add(prefix+".tcp.frameBytes", "must be hex")
			}
		}
	case TypeHTTP:
		need(d.HTTP != nil, "http")
		if d.HTTP != nil && d.HTTP.URL == "" {
			add(prefix+".http.url", "required")
		}
	case TypeFile:
		need(d.File != nil, "file")
		if d.File != nil {
			if d.File.Directory == "" {
				add(prefix+".file.directory", "required")
			}
			if d.File.FileName == "" {
				add(prefix+".file.fileName", "required")
			}
		}
	case TypeDatabase:
		need(d.Database != nil, "database")
		if d.Database != nil {
			if d.Database.DSN == "" {
				add(prefix+".database.dsn", "required")
			}
			if d.Database.Query == "" {
				add(prefix+".database.query", "required")
			}
		}
	case TypeVM:
		need(d.VM != nil, "vm")
		if d.VM != nil && d.VM.TargetChannelID == "" {
			add(prefix+".vm.targetChannelId", "required")
		}
	case "":
		add(prefix+".type", "required")
	default:
		add(prefix+".type", fmt.Sprintf("unknown connector type %q", d.Type))
	}
}
