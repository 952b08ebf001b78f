package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pointAtTestServer(t *testing.T, ts *httptest.Server) {
	t.Helper()
	prevServer, prevPassword := channelsServer, channelsPassword
	channelsServer = ts.URL
	channelsPassword = "sup3r-secret"
	t.Cleanup(func() {
		channelsServer, channelsPassword = prevServer, prevPassword
	})
}

func TestChannelsListPrintsTable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels", r.URL.Path)
		assert.Equal(t, "sup3r-secret", r.Header.Get("X-Admin-Password"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"channelId":"0a4f1c9e-5b2d-4e7f-8a63-1d9c0b7e42f5",` +
			`"name":"adt-intake","state":"STARTED",` +
			`"statistics":{"received":3,"sent":2,"errored":1,"queued":0}}]`))
	}))
	defer ts.Close()
	pointAtTestServer(t, ts)

	cmd := newChannelsListCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.RunE(cmd, nil))

	assert.Contains(t, out.String(), "adt-intake")
	assert.Contains(t, out.String(), "STARTED")
	assert.Contains(t, out.String(), "RECEIVED")
}

func TestChannelsListSurfacesServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid credentials"}`))
	}))
	defer ts.Close()
	pointAtTestServer(t, ts)

	cmd := newChannelsListCmd()
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestDeployCommandPostsFiles(t *testing.T) {
	var posted []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/_deploy", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		posted = body
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"channelId":"0a4f1c9e-5b2d-4e7f-8a63-1d9c0b7e42f5"}`))
	}))
	defer ts.Close()
	pointAtTestServer(t, ts)

	path := filepath.Join(t.TempDir(), "intake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: adt-intake\n"), 0o644))

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, runDeploy(cmd, []string{path}))

	assert.Contains(t, string(posted), "adt-intake")
	assert.Contains(t, out.String(), "deployed 0a4f1c9e")
}
