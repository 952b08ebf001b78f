package donkey

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/api"
	"conduit/internal/message"
)

const testChannelID = "11111111-2222-3333-4444-555555555555"

func newTestDonkey(t *testing.T) *Donkey {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A pool of one keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	d := New(db, Config{ServerID: "server-1", AttachmentSegmentSize: 4})
	require.NoError(t, d.CreateChannelTables(testChannelID, nil))
	return d
}

func insertTestMessage(t *testing.T, d *Donkey, id int64) *message.Message {
	t.Helper()
	msg := &message.Message{
		ChannelID:    testChannelID,
		ID:           id,
		ServerID:     "server-1",
		ReceivedDate: time.Now().UTC(),
	}
	require.NoError(t, d.InsertMessage(testChannelID, msg))
	return msg
}

func TestTableNaming(t *testing.T) {
	assert.Equal(t, "D_M11111111_2222_3333_4444_555555555555", messageTable(testChannelID))
	assert.Equal(t, "D_MM11111111_2222_3333_4444_555555555555", connectorTable(testChannelID))
	assert.Equal(t, "D_MC11111111_2222_3333_4444_555555555555", contentTable(testChannelID))
	assert.Equal(t, "D_MA11111111_2222_3333_4444_555555555555", attachmentTable(testChannelID))
	assert.Equal(t, "D_MS11111111_2222_3333_4444_555555555555", statsTable(testChannelID))
}

func TestMessageTablesExist(t *testing.T) {
	d := newTestDonkey(t)

	exists, err := d.MessageTablesExist(testChannelID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = d.MessageTablesExist("99999999-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNextMessageID_MonotonicAndSeeded(t *testing.T) {
	d := newTestDonkey(t)

	id1, err := d.NextMessageID(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)

	id2, err := d.NextMessageID(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)

	insertTestMessage(t, d, id1)
	insertTestMessage(t, d, id2)

	// A fresh sequence must seed from the stored maximum.
	d.ForgetChannel(testChannelID)
	id3, err := d.NextMessageID(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id3)
}

func TestMessageRoundTrip(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)

	got, err := d.GetMessage(testChannelID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "server-1", got.ServerID)
	assert.False(t, got.Processed)

	require.NoError(t, d.MarkProcessed(testChannelID, 1))
	got, err = d.GetMessage(testChannelID, 1)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	_, err = d.GetMessage(testChannelID, 42)
	assert.True(t, api.IsNotFound(err))
}

func TestConnectorMessageTransitions(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)

	cm := &message.ConnectorMessage{
		MessageID:     1,
		MetadataID:    1,
		ConnectorName: "HTTP Sender",
		ReceivedDate:  time.Now().UTC(),
		Status:        message.StatusReceived,
	}
	require.NoError(t, d.InsertConnectorMessage(testChannelID, cm))

	now := time.Now().UTC()
	cm.Status = message.StatusSent
	cm.SendDate = &now
	cm.SendAttempts = 3
	require.NoError(t, d.UpdateConnectorStatus(testChannelID, cm))

	rows, err := d.ConnectorMessages(testChannelID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, message.StatusSent, rows[0].Status)
	assert.Equal(t, 3, rows[0].SendAttempts)
	assert.Equal(t, "HTTP Sender", rows[0].ConnectorName)
}

func TestContentUpsert(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)

	c := &message.Content{
		MessageID:   1,
		MetadataID:  0,
		ContentType: message.ContentRaw,
		Content:     "MSH|^~\\&|...",
		DataType:    "HL7V2",
	}
	require.NoError(t, d.UpsertContent(testChannelID, c))

	c.Content = "replaced"
	require.NoError(t, d.UpsertContent(testChannelID, c))

	got, err := d.GetContent(testChannelID, 1, 0, message.ContentRaw)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "replaced", got.Content)
	assert.Equal(t, "HL7V2", got.DataType)

	missing, err := d.GetContent(testChannelID, 1, 0, message.ContentResponse)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueryFilters(t *testing.T) {
	d := newTestDonkey(t)
	for id := int64(1); id <= 5; id++ {
		insertTestMessage(t, d, id)
	}
	require.NoError(t, d.MarkProcessed(testChannelID, 1))
	require.NoError(t, d.InsertConnectorMessage(testChannelID, &message.ConnectorMessage{
		MessageID: 2, MetadataID: 1, ReceivedDate: time.Now().UTC(), Status: message.StatusError,
	}))

	all, err := d.Query(testChannelID, QueryFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].ID, "newest first")

	processed, err := d.Query(testChannelID, QueryFilter{ProcessedOnly: true}, 0, 10)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, int64(1), processed[0].ID)

	errored, err := d.Query(testChannelID, QueryFilter{Status: message.StatusError}, 0, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, int64(2), errored[0].ID)

	paged, err := d.Query(testChannelID, QueryFilter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, int64(3), paged[0].ID)
}

func TestRemoveMessageCascades(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)
	require.NoError(t, d.InsertConnectorMessage(testChannelID, &message.ConnectorMessage{
		MessageID: 1, MetadataID: 0, ReceivedDate: time.Now().UTC(), Status: message.StatusSent,
	}))
	require.NoError(t, d.UpsertContent(testChannelID, &message.Content{
		MessageID: 1, MetadataID: 0, ContentType: message.ContentRaw, Content: "x",
	}))

	require.NoError(t, d.RemoveMessage(testChannelID, 1))

	_, err := d.GetMessage(testChannelID, 1)
	assert.True(t, api.IsNotFound(err))
	rows, err := d.ConnectorMessages(testChannelID, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
	content, err := d.MessageContent(testChannelID, 1)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestAttachmentSegmentation(t *testing.T) {
	d := newTestDonkey(t) // segment size 4
	insertTestMessage(t, d, 1)

	data := []byte("0123456789ab") // 3 segments
	require.NoError(t, d.PutAttachment(testChannelID, &Attachment{
		ID: "att-1", MessageID: 1, Data: data,
	}))

	got, err := d.GetAttachment(testChannelID, "att-1")
	require.NoError(t, err)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, int64(1), got.MessageID)

	_, err = d.GetAttachment(testChannelID, "nope")
	assert.True(t, api.IsNotFound(err))
}

func TestStatisticsIncrements(t *testing.T) {
	d := newTestDonkey(t)

	require.NoError(t, d.IncrementStats(testChannelID, 0, message.StatusReceived, 1))
	require.NoError(t, d.IncrementStats(testChannelID, 0, message.StatusReceived, 2))
	require.NoError(t, d.IncrementStats(testChannelID, 1, message.StatusSent, 1))
	require.NoError(t, d.IncrementStats(testChannelID, 1, message.StatusError, 1))
	// Untracked statuses are ignored.
	require.NoError(t, d.IncrementStats(testChannelID, 1, message.StatusTransformed, 1))

	view, err := d.GetStatistics(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.Received)
	assert.Equal(t, int64(1), view.Sent)
	assert.Equal(t, int64(1), view.Errored)
	assert.Equal(t, int64(3), view.PerConnector[0].Received)
	assert.Equal(t, int64(1), view.PerConnector[1].Sent)

	require.NoError(t, d.ClearStatistics(testChannelID, 1))
	view, err = d.GetStatistics(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Sent)
	assert.Equal(t, int64(3), view.Received)

	require.NoError(t, d.ResetStatistics(testChannelID))
	view, err = d.GetStatistics(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Received)
}

func TestResolveUnfinished(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)
	require.NoError(t, d.InsertConnectorMessage(testChannelID, &message.ConnectorMessage{
		MessageID: 1, MetadataID: 0, ReceivedDate: time.Now().UTC(), Status: message.StatusSent,
	}))
	require.NoError(t, d.InsertConnectorMessage(testChannelID, &message.ConnectorMessage{
		MessageID: 1, MetadataID: 1, ReceivedDate: time.Now().UTC(), Status: message.StatusPending,
	}))

	flipped, err := d.ResolveUnfinished(testChannelID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	msg, err := d.GetMessage(testChannelID, 1)
	require.NoError(t, err)
	assert.True(t, msg.Processed)

	rows, err := d.ConnectorMessages(testChannelID, 1)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, rows[0].Status, "terminal rows untouched")
	assert.Equal(t, message.StatusError, rows[1].Status)

	errContent, err := d.GetContent(testChannelID, 1, 1, message.ContentProcessingError)
	require.NoError(t, err)
	require.NotNil(t, errContent)
	assert.Contains(t, errContent.Content, "PENDING")

	view, err := d.GetStatistics(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Errored)

	// Idempotence: a second run changes nothing.
	flipped, err = d.ResolveUnfinished(testChannelID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, flipped)
	view, err = d.GetStatistics(testChannelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Errored)
}

func TestUnfinishedMessagesScopedToServer(t *testing.T) {
	d := newTestDonkey(t)
	insertTestMessage(t, d, 1)
	other := &message.Message{
		ID: 2, ServerID: "server-2", ReceivedDate: time.Now().UTC(),
	}
	require.NoError(t, d.InsertMessage(testChannelID, other))

	unfinished, err := d.UnfinishedMessages(testChannelID, "server-1")
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, int64(1), unfinished[0].ID)
}
