package api

import "time"

// ChannelState represents the lifecycle state of a deployed channel.
//
// Transitions are initiated only by the channel itself; every other
// component reads the state without writing it.
type ChannelState string

const (
	ChannelStopped     ChannelState = "STOPPED"
	ChannelDeploying   ChannelState = "DEPLOYING"
	ChannelStarting    ChannelState = "STARTING"
	ChannelStarted     ChannelState = "STARTED"
	ChannelPausing     ChannelState = "PAUSING"
	ChannelPaused      ChannelState = "PAUSED"
	ChannelStopping    ChannelState = "STOPPING"
	ChannelUndeploying ChannelState = "UNDEPLOYING"
)

// ConnectorState represents the running state of a single connector.
type ConnectorState string

const (
	ConnectorStopped  ConnectorState = "STOPPED"
	ConnectorStarting ConnectorState = "STARTING"
	ConnectorStarted  ConnectorState = "STARTED"
	ConnectorPaused   ConnectorState = "PAUSED"
	ConnectorStopping ConnectorState = "STOPPING"
	ConnectorFailed   ConnectorState = "FAILED"
)

// ChannelStatus is the read model a dashboard sees for one channel.
type ChannelStatus struct {
	ChannelID  string          `json:"channelId"`
	Name       string          `json:"name"`
	State      ChannelState    `json:"state"`
	DeployedAt time.Time       `json:"deployedAt"`
	Statistics StatisticsView  `json:"statistics"`
	Connectors []ConnectorInfo `json:"connectors"`
	LastError  string          `json:"lastError,omitempty"`
}

// ConnectorInfo describes a connector within a channel status snapshot.
type ConnectorInfo struct {
	MetadataID int            `json:"metadataId"`
	Name       string         `json:"name"`
	State      ConnectorState `json:"state"`
	Queued     int            `json:"queued,omitempty"`
}

// StatisticsView is an aggregated per-channel counter snapshot keyed by
// metadata id.
type StatisticsView struct {
	Received int64 `json:"received"`
	Filtered int64 `json:"filtered"`
	Sent     int64 `json:"sent"`
	Errored  int64 `json:"errored"`
	Queued   int64 `json:"queued"`

	PerConnector map[int]ConnectorStats `json:"perConnector,omitempty"`
}

// ConnectorStats holds the tracked counters for one metadata id.
type ConnectorStats struct {
	Received int64 `json:"received"`
	Filtered int64 `json:"filtered"`
	Sent     int64 `json:"sent"`
	Errored  int64 `json:"errored"`
	Queued   int64 `json:"queued"`
}

// ListenerInfo describes the network endpoint a source connector is bound
// to. Sources without a network listener (the channel reader) return nil
// from GetListenerInfo.
type ListenerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}
