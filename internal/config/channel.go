package config

import (
	"conduit/internal/donkey"
)

// Connector type discriminators.
const (
	TypeTCP      = "tcp"
	TypeHTTP     = "http"
	TypeFile     = "file"
	TypeDatabase = "database"
	TypeVM       = "vm"
)

// Transmission modes for TCP connectors.
const (
	ModeMLLP  = "MLLP"
	ModeFrame = "FRAME"
	ModeRaw   = "RAW"
)

// Response modes for source connectors.
const (
	ResponseAuto        = "AUTO"
	ResponseDestination = "DESTINATION"
	ResponseNone        = "NONE"
)

// Response selection policies (spec'd on the channel, applied when the
// source's response mode is DESTINATION or the API asks for a reply).
const (
	SelectNone                  = "NONE"
	SelectAutoBeforeProcessing  = "AUTO_BEFORE_PROCESSING"
	SelectAutoAfterProcessing   = "AUTO_AFTER_PROCESSING"
	SelectSourceTransformed     = "SOURCE_TRANSFORMED"
	SelectPostprocessor         = "POSTPROCESSOR"
	SelectDestinationsCompleted = "DESTINATIONS_COMPLETED"
)

// Message storage modes.
const (
	StorageDevelopment = "DEVELOPMENT" // everything
	StorageProduction  = "PRODUCTION"  // everything but maps
	StorageMetadata    = "METADATA"    // no content rows
)

// Channel is one validated channel definition.
type Channel struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Revision int    `yaml:"revision"`

	// InitialState is STARTED or STOPPED after deploy.
	InitialState string `yaml:"initialState,omitempty"`

	MessageStorageMode string `yaml:"messageStorageMode,omitempty"`

	// ResponseSelection picks the reply returned to the source.
	ResponseSelection string `yaml:"responseSelection,omitempty"`
	// RespondFromDestination names the metadata id used when
	// ResponseSelection is DESTINATIONS_COMPLETED and a fixed destination is
	// wanted. Zero means status precedence.
	RespondFromDestination int `yaml:"respondFromDestination,omitempty"`

	// MaxProcessingThreads bounds concurrent inbound messages. Zero means 1.
	MaxProcessingThreads int `yaml:"maxProcessingThreads,omitempty"`

	MetaDataColumns []donkey.MetaColumn `yaml:"metaDataColumns,omitempty"`

	Source       Source        `yaml:"source"`
	Destinations []Destination `yaml:"destinations"`
}

// IsEnabled applies the default of true.
func (c *Channel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Source is the channel's source connector definition.
type Source struct {
	Type string `yaml:"type"`
	Name string `yaml:"name,omitempty"`

	// ResponseMode is AUTO, DESTINATION or NONE.
	ResponseMode string `yaml:"responseMode,omitempty"`

	// DataType labels raw content rows (e.g. HL7V2, JSON, RAW).
	DataType string `yaml:"dataType,omitempty"`

	TCP  *TCPListener  `yaml:"tcp,omitempty"`
	HTTP *HTTPListener `yaml:"http,omitempty"`
	// The vm (channel reader) source has no settings.
}

// TCPListener configures a TCP/MLLP source.
type TCPListener struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TransmissionMode is MLLP, FRAME or RAW.
	TransmissionMode string `yaml:"transmissionMode,omitempty"`

	// StartOfMessageBytes / EndOfMessageBytes are hex strings overriding
	// the MLLP defaults (0B and 1C0D) in FRAME mode.
	StartOfMessageBytes string `yaml:"startOfMessageBytes,omitempty"`
	EndOfMessageBytes   string `yaml:"endOfMessageBytes,omitempty"`

	MaxConnections     int  `yaml:"maxConnections,omitempty"`
	ReceiveTimeoutMS   int  `yaml:"receiveTimeoutMs,omitempty"`
	BufferSize         int  `yaml:"bufferSize,omitempty"`
	KeepConnectionOpen bool `yaml:"keepConnectionOpen,omitempty"`

	// ProcessBatchStrictly serializes messages from one connection through
	// the pipeline in arrival order.
	ProcessBatchStrictly bool `yaml:"processBatchStrictly,omitempty"`
}

// HTTPListener configures an HTTP source.
type HTTPListener struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ContextPath string `yaml:"contextPath,omitempty"`
	// ResponseContentType defaults to text/plain.
	ResponseContentType string `yaml:"responseContentType,omitempty"`
}

// Destination is one destination connector definition.
type Destination struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled *bool  `yaml:"enabled,omitempty"`

	WaitForPrevious     bool `yaml:"waitForPrevious,omitempty"`
	SkipOnUpstreamError bool `yaml:"skipOnUpstreamError,omitempty"`

	QueueEnabled    bool `yaml:"queueEnabled,omitempty"`
	RetryIntervalMS int  `yaml:"retryIntervalMs,omitempty"`
	QueueBufferSize int  `yaml:"queueBufferSize,omitempty"`

	TCP      *TCPSender      `yaml:"tcp,omitempty"`
	HTTP     *HTTPSender     `yaml:"http,omitempty"`
	File     *FileWriter     `yaml:"file,omitempty"`
	Database *DatabaseWriter `yaml:"database,omitempty"`
	VM       *VMWriter       `yaml:"vm,omitempty"`
}

// IsEnabled applies the default of true.
func (d *Destination) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// TCPSender configures a TCP/MLLP destination.
type TCPSender struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TransmissionMode    string `yaml:"transmissionMode,omitempty"`
	StartOfMessageBytes string `yaml:"startOfMessageBytes,omitempty"`
	EndOfMessageBytes   string `yaml:"endOfMessageBytes,omitempty"`

	SocketTimeoutMS   int `yaml:"socketTimeoutMs,omitempty"`
	ResponseTimeoutMS int `yaml:"responseTimeoutMs,omitempty"`
}

// HTTPSender configures an HTTP destination.
type HTTPSender struct {
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`
	ContentType string            `yaml:"contentType,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`

	SocketTimeoutMS int `yaml:"socketTimeoutMs,omitempty"`
}

// FileWriter configures a file destination.
type FileWriter struct {
	Directory string `yaml:"directory"`
	// FileName may contain ${messageId} which is substituted per message.
	FileName string `yaml:"fileName"`
	Append   bool   `yaml:"append,omitempty"`
}

// DatabaseWriter configures a database destination.
type DatabaseWriter struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Query is a parameterized statement; Params name view fields bound in
	// order: raw, transformed, messageId, channelId or channelMap keys.
	Query  string   `yaml:"query"`
	Params []string `yaml:"params,omitempty"`
}

// VMWriter configures an in-process (channel writer) destination.
type VMWriter struct {
	TargetChannelID string `yaml:"targetChannelId"`
	// Template renders the routed payload; ${message} substitutes the
	// upstream encoded/transformed content. Empty means the default.
	Template string `yaml:"template,omitempty"`
}
