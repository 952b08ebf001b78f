package api

import (
	"errors"
	"fmt"
)

// NotFoundError represents a resource not found error with contextual
// information. It is returned for channels absent from the registry,
// messages absent from the store, and trace targets whose tables were never
// created.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "channel", "message", "destination").
	ResourceType string

	// ResourceName is the specific identifier of the resource.
	ResourceName string

	// Message provides a custom error message if the default format is
	// insufficient.
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource
// type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// NewChannelNotFoundError creates a channel not found error.
func NewChannelNotFoundError(channelID string) *NotFoundError {
	return NewNotFoundError("channel", channelID)
}

// NewMessageNotFoundError creates a message not found error.
func NewMessageNotFoundError(channelID string, messageID int64) *NotFoundError {
	return &NotFoundError{
		ResourceType: "message",
		ResourceName: fmt.Sprintf("%s/%d", channelID, messageID),
	}
}

// ConfigError reports an invalid channel configuration. Deploy fails and the
// channel is left absent from the registry.
type ConfigError struct {
	ChannelID string
	// Fields lists each missing or invalid field with a reason.
	Fields []FieldError
}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid configuration for channel %s", e.ChannelID)
	}
	msg := fmt.Sprintf("invalid configuration for channel %s:", e.ChannelID)
	for _, f := range e.Fields {
		msg += fmt.Sprintf(" %s: %s;", f.Field, f.Reason)
	}
	return msg
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// TransportError wraps network or timeout failures from connectors. Queued
// destinations retry it; synchronous ones record ERROR. It is never fatal to
// the channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ScriptError reports a failed filter or transformer execution. It is
// confined to the message it occurred in.
type ScriptError struct {
	ChannelID  string
	MetadataID int
	Stage      string
	Detail     string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error in channel %s connector %d (%s): %s",
		e.ChannelID, e.MetadataID, e.Stage, e.Detail)
}

// IsScriptError checks if an error is a ScriptError.
func IsScriptError(err error) bool {
	var scriptErr *ScriptError
	return errors.As(err, &scriptErr)
}

// IntegrityError reports missing channel tables or constraint violations.
// The caller decides: trace produces a placeholder node, the pipeline aborts
// that message only.
type IntegrityError struct {
	ChannelID string
	Err       error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("storage integrity error for channel %s: %v", e.ChannelID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrityError checks if an error is an IntegrityError.
func IsIntegrityError(err error) bool {
	var integrityErr *IntegrityError
	return errors.As(err, &integrityErr)
}
