package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/donkey"
	"conduit/internal/engine"
	"conduit/internal/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const channelID = "c4a7e210-3f8b-49d6-8e72-5b0c1d94a386"

func newTestServer(t *testing.T, adminPassword string) (*Server, *engine.Engine) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := donkey.New(db, donkey.Config{ServerID: "server-test"})
	cfg := &config.EngineConfig{
		MaxVMDepth:       8,
		StopGraceSeconds: 2,
		AdminPassword:    adminPassword,
	}
	eng := engine.New(cfg, store, nil)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	require.NoError(t, eng.Deploy(context.Background(), &config.Channel{
		ID:                channelID,
		Name:              "intake",
		InitialState:      string(api.ChannelStarted),
		ResponseSelection: config.SelectDestinationsCompleted,
		Source:            config.Source{Type: config.TypeVM, Name: "Channel Reader"},
		Destinations: []config.Destination{{
			Name: "archive",
			Type: config.TypeFile,
			File: &config.FileWriter{Directory: t.TempDir(), FileName: "${messageId}.txt"},
		}},
	}))
	return New(cfg, eng), eng
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	dec := json.NewDecoder(resp.Body)
	dec.Decode(&out)
	return resp.StatusCode, out
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	code, body := doJSON(t, ts, http.MethodGet, "/channels/"+channelID+"/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "intake", body["name"])
	assert.Equal(t, "STARTED", body["state"])

	code, body = doJSON(t, ts, http.MethodGet, "/channels/00000000-0000-0000-0000-000000000000/status", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
}

func TestLifecycleEndpoints(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	base := "/channels/" + channelID
	code, _ := doJSON(t, ts, http.MethodPost, base+"/_pause", "")
	require.Equal(t, http.StatusNoContent, code)
	ch, err := eng.Channel(channelID)
	require.NoError(t, err)
	assert.Equal(t, api.ChannelPaused, ch.State())

	code, _ = doJSON(t, ts, http.MethodPost, base+"/_resume", "")
	require.Equal(t, http.StatusNoContent, code)

	code, _ = doJSON(t, ts, http.MethodPost, base+"/_stop", "")
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, api.ChannelStopped, ch.State())

	code, _ = doJSON(t, ts, http.MethodPost, base+"/_start", "")
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, api.ChannelStarted, ch.State())

	// Pausing a stopped channel surfaces the transition error.
	doJSON(t, ts, http.MethodPost, base+"/_stop", "")
	code, body := doJSON(t, ts, http.MethodPost, base+"/_pause", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotEmpty(t, body["error"])
}

func TestSendAndBrowseMessages(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	base := "/channels/" + channelID
	code, body := doJSON(t, ts, http.MethodPost,
		base+"/messages?sourceMapEntry=facility=lab-3,priority=stat", "MSH|test")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["messageId"])
	assert.Equal(t, "S", body["status"])

	// The source map entries were stored with the message.
	smContent, err := eng.Store().GetContent(channelID, 1, 0, message.ContentSourceMap)
	require.NoError(t, err)
	require.NotNil(t, smContent)
	assert.Contains(t, smContent.Content, "lab-3")

	code, body = doJSON(t, ts, http.MethodGet, base+"/messages?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	messages := body["messages"].([]interface{})
	assert.Len(t, messages, 1)

	code, body = doJSON(t, ts, http.MethodGet, base+"/messages/1?maxContentLength=3", "")
	require.Equal(t, http.StatusOK, code)
	content := body["content"].([]interface{})
	require.NotEmpty(t, content)
	first := content[0].(map[string]interface{})
	assert.Equal(t, true, first["truncated"])
}

func TestDestinationFilterParam(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	code, _ := doJSON(t, ts, http.MethodPost,
		"/channels/"+channelID+"/messages?destinationMetaDataId=7", "payload")
	require.Equal(t, http.StatusOK, code)

	rows, err := eng.Store().ConnectorMessages(channelID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Metadata id 7 matches nothing, so the only destination is filtered.
	assert.Equal(t, message.StatusFiltered, rows[1].Status)
}

func TestExportImportEndpoints(t *testing.T) {
	s, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	base := "/channels/" + channelID
	code, _ := doJSON(t, ts, http.MethodPost, base+"/messages", "export me")
	require.Equal(t, http.StatusOK, code)

	resp, err := ts.Client().Get(ts.URL + base + "/messages/1/_export?passphrase=hunter2hunter2")
	require.NoError(t, err)
	exported, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(exported), "mirth-encrypted-v1")

	code, body := doJSON(t, ts, http.MethodPost,
		base+"/messages/_import?passphrase=hunter2hunter2", string(exported))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["messageId"])

	code, body = doJSON(t, ts, http.MethodPost,
		base+"/messages/_import?passphrase=wrong-wrong-wrong", string(exported))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotEmpty(t, body["error"])
}

func TestRemoveEndpoints(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	base := "/channels/" + channelID
	doJSON(t, ts, http.MethodPost, base+"/messages", "one")
	doJSON(t, ts, http.MethodPost, base+"/messages", "two")

	code, _ := doJSON(t, ts, http.MethodDelete, base+"/messages/1", "")
	require.Equal(t, http.StatusNoContent, code)

	code, _ = doJSON(t, ts, http.MethodDelete, base+"/messages", "")
	require.Equal(t, http.StatusNoContent, code)

	count, err := eng.Store().MessageCount(channelID, false)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Unknown channel: surfaced by default, silenced by returnErrors=false.
	code, _ = doJSON(t, ts, http.MethodDelete, "/channels/00000000-0000-0000-0000-000000000000/messages", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, ts, http.MethodDelete,
		"/channels/00000000-0000-0000-0000-000000000000/messages?returnErrors=false", "")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestAttachmentRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	base := "/channels/" + channelID
	code, _ := doJSON(t, ts, http.MethodPost, base+"/messages", "has attachment")
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, ts, http.MethodPost,
		base+"/messages/1/attachments?attachmentId=scan-1", "PDFDATA")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "scan-1", body["attachmentId"])

	resp, err := ts.Client().Get(ts.URL + base + "/messages/1/attachments/scan-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PDFDATA", string(data))

	resp, err = ts.Client().Get(ts.URL + base + "/messages/1/attachments/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminPasswordGate(t *testing.T) {
	s, _ := newTestServer(t, "sup3r-secret")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/channels/" + channelID + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/channels/"+channelID+"/status", nil)
	req.Header.Set("X-Admin-Password", "sup3r-secret")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, err = ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, eng.StopChannel(context.Background(), channelID))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event api.Event
	for {
		require.NoError(t, conn.ReadJSON(&event))
		if event.Type == api.EventChannelState && event.State == api.ChannelStopped {
			break
		}
	}
	assert.Equal(t, channelID, event.ChannelID)
}

func TestDeployEndpoint(t *testing.T) {
	s, eng := newTestServer(t, "")
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	newID := "7e3f9a51-2c80-4d6b-b1e4-9f05c7a2d318"
	doc := `
id: ` + newID + `
name: from-api
initialState: STOPPED
source:
  type: vm
destinations:
  - name: archive
    type: file
    file:
      directory: ` + t.TempDir() + `
      fileName: out.txt
`
	code, body := doJSON(t, ts, http.MethodPost, "/channels/_deploy", doc)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, newID, body["channelId"])

	ch, err := eng.Channel(newID)
	require.NoError(t, err)
	assert.Equal(t, api.ChannelStopped, ch.State())

	code, body = doJSON(t, ts, http.MethodPost, "/channels/_deploy", "id: nope")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])
}
