package message

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source map keys. The plural arrays record the full upstream chain; the
// singular keys always hold the immediate parent.
const (
	KeySourceChannelID  = "sourceChannelId"
	KeySourceMessageID  = "sourceMessageId"
	KeySourceChannelIDs = "sourceChannelIds"
	KeySourceMessageIDs = "sourceMessageIds"
)

// SourceMap is the key-value bag attached to a message that records its
// provenance across in-process hops. It is persisted as JSON in a content
// row of type ContentSourceMap.
type SourceMap map[string]interface{}

// ParseSourceMap decodes the stored JSON form. An empty payload yields an
// empty map, never an error.
func ParseSourceMap(data string) (SourceMap, error) {
	if data == "" {
		return SourceMap{}, nil
	}
	var m SourceMap
	if err := json.UnmarshalFromString(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = SourceMap{}
	}
	return m, nil
}

// Encode serializes the map to its JSON wire form.
func (m SourceMap) Encode() (string, error) {
	return json.MarshalToString(m)
}

// Clone returns a shallow copy with the chain arrays deep-copied, so a VM
// hop can extend the chain without mutating the upstream message's map.
func (m SourceMap) Clone() SourceMap {
	out := make(SourceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	out[KeySourceChannelIDs] = append([]string(nil), m.ChannelChain()...)
	ids := m.MessageChain()
	msgIDs := make([]interface{}, len(ids))
	for i, id := range ids {
		msgIDs[i] = id
	}
	out[KeySourceMessageIDs] = msgIDs
	if len(ids) == 0 {
		delete(out, KeySourceChannelIDs)
		delete(out, KeySourceMessageIDs)
	}
	return out
}

// ChannelChain returns the plural channel id chain, or nil when absent or
// malformed.
func (m SourceMap) ChannelChain() []string {
	raw, ok := m[KeySourceChannelIDs]
	if !ok {
		return nil
	}
	chain, err := cast.ToStringSliceE(raw)
	if err != nil {
		return nil
	}
	return chain
}

// MessageChain returns the plural message id chain, or nil when absent or
// malformed.
func (m SourceMap) MessageChain() []int64 {
	raw, ok := m[KeySourceMessageIDs]
	if !ok {
		return nil
	}
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil
	}
	chain := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := cast.ToInt64E(item)
		if err != nil {
			return nil
		}
		chain = append(chain, id)
	}
	return chain
}

// Parent resolves the immediate upstream (channelID, messageID) of this
// message. It prefers the last entry of the chain arrays, falling back to
// the singular keys for maps written before the arrays existed. A length
// mismatch between the arrays is treated as corruption and the message is
// reported as a root.
func (m SourceMap) Parent() (channelID string, messageID int64, ok bool) {
	channels := m.ChannelChain()
	messages := m.MessageChain()
	if len(channels) != len(messages) {
		return "", 0, false
	}
	if len(channels) > 0 {
		return channels[len(channels)-1], messages[len(messages)-1], true
	}

	rawChan, hasChan := m[KeySourceChannelID]
	rawMsg, hasMsg := m[KeySourceMessageID]
	if !hasChan || !hasMsg {
		return "", 0, false
	}
	channelID = cast.ToString(rawChan)
	messageID, err := cast.ToInt64E(rawMsg)
	if channelID == "" || err != nil {
		return "", 0, false
	}
	return channelID, messageID, true
}

// Extend appends the given hop to the chain arrays and sets the singular
// keys to it, returning a new map. The receiver is not modified.
func (m SourceMap) Extend(channelID string, messageID int64) SourceMap {
	out := m.Clone()
	channels := append(out.ChannelChain(), channelID)

	messages := out.MessageChain()
	msgIDs := make([]interface{}, 0, len(messages)+1)
	for _, id := range messages {
		msgIDs = append(msgIDs, id)
	}
	msgIDs = append(msgIDs, messageID)

	out[KeySourceChannelIDs] = channels
	out[KeySourceMessageIDs] = msgIDs
	out[KeySourceChannelID] = channelID
	out[KeySourceMessageID] = messageID
	return out
}
