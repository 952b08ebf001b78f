package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceMap_Empty(t *testing.T) {
	m, err := ParseSourceMap("")
	require.NoError(t, err)
	assert.Empty(t, m)

	_, _, ok := m.Parent()
	assert.False(t, ok, "empty map must be a root")
}

func TestSourceMap_SingularFallback(t *testing.T) {
	m, err := ParseSourceMap(`{"sourceChannelId":"chan-a","sourceMessageId":42}`)
	require.NoError(t, err)

	channelID, messageID, ok := m.Parent()
	require.True(t, ok)
	assert.Equal(t, "chan-a", channelID)
	assert.Equal(t, int64(42), messageID)
}

func TestSourceMap_ChainPreferred(t *testing.T) {
	m, err := ParseSourceMap(`{
		"sourceChannelId": "chan-b",
		"sourceMessageId": 7,
		"sourceChannelIds": ["chan-a", "chan-b"],
		"sourceMessageIds": [3, 7]
	}`)
	require.NoError(t, err)

	channelID, messageID, ok := m.Parent()
	require.True(t, ok)
	assert.Equal(t, "chan-b", channelID)
	assert.Equal(t, int64(7), messageID)
	assert.Equal(t, []string{"chan-a", "chan-b"}, m.ChannelChain())
	assert.Equal(t, []int64{3, 7}, m.MessageChain())
}

func TestSourceMap_LengthMismatchIsRoot(t *testing.T) {
	m, err := ParseSourceMap(`{
		"sourceChannelIds": ["chan-a", "chan-b"],
		"sourceMessageIds": [3]
	}`)
	require.NoError(t, err)

	_, _, ok := m.Parent()
	assert.False(t, ok, "length mismatch must be treated as corruption")
}

func TestSourceMap_Extend(t *testing.T) {
	base := SourceMap{"custom": "value"}

	hop1 := base.Extend("chan-a", 1)
	hop2 := hop1.Extend("chan-b", 5)

	assert.Equal(t, []string{"chan-a", "chan-b"}, hop2.ChannelChain())
	assert.Equal(t, []int64{1, 5}, hop2.MessageChain())

	channelID, messageID, ok := hop2.Parent()
	require.True(t, ok)
	assert.Equal(t, "chan-b", channelID)
	assert.Equal(t, int64(5), messageID)

	// Upstream maps must not be mutated by downstream hops.
	assert.Equal(t, []string{"chan-a"}, hop1.ChannelChain())
	assert.Nil(t, base.ChannelChain())
	assert.Equal(t, "value", hop2["custom"])
}

func TestSourceMap_RoundTrip(t *testing.T) {
	m := SourceMap{"facility": "ward-3"}.Extend("chan-a", 9)

	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, err := ParseSourceMap(encoded)
	require.NoError(t, err)

	channelID, messageID, ok := decoded.Parent()
	require.True(t, ok)
	assert.Equal(t, "chan-a", channelID)
	assert.Equal(t, int64(9), messageID)
	assert.Equal(t, "ward-3", decoded["facility"])
	assert.Len(t, decoded.ChannelChain(), len(decoded.MessageChain()))
}

func TestContent_Truncate(t *testing.T) {
	c := Content{ContentType: ContentRaw, Content: "0123456789", DataType: "HL7V2"}

	s := c.Truncate(4)
	assert.Equal(t, "0123", s.Content)
	assert.True(t, s.Truncated)
	assert.Equal(t, 10, s.FullLength)

	s = c.Truncate(0)
	assert.Equal(t, "0123456789", s.Content)
	assert.False(t, s.Truncated)

	s = c.Truncate(100)
	assert.False(t, s.Truncated)
	assert.Equal(t, 10, s.FullLength)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFiltered.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusReceived.Terminal())
	assert.False(t, StatusPending.Terminal())
}
