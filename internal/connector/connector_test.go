package connector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/internal/script"
)

func TestFraming_MLLPRoundTrip(t *testing.T) {
	f, err := newFraming(config.ModeMLLP, "", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, []byte("MSH|^~\\&|A")))
	assert.Equal(t, byte(0x0b), buf.Bytes()[0])
	assert.Equal(t, []byte{0x1c, 0x0d}, buf.Bytes()[buf.Len()-2:])

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "MSH|^~\\&|A", string(got))
}

func TestFraming_CustomFrameBytes(t *testing.T) {
	f, err := newFraming(config.ModeFrame, "02", "030d")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, []byte("payload")))

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestFraming_PartialEndSequenceInPayload(t *testing.T) {
	f, err := newFraming(config.ModeMLLP, "", "")
	require.NoError(t, err)

	// 0x1c not followed by 0x0d belongs to the payload.
	payload := []byte{'a', 0x1c, 'b'}
	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, payload))

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFraming_InvalidHex(t *testing.T) {
	_, err := newFraming(config.ModeFrame, "zz", "")
	assert.Error(t, err)
}

const sampleADT = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20240101120000||ADT^A01|MSG00001|P|2.5\rPID|1||12345\r"

func TestHL7AutoResponder(t *testing.T) {
	ack := HL7AutoResponder{}.Respond(sampleADT, true)
	assert.Contains(t, ack, "MSA|AA|MSG00001")
	assert.Contains(t, ack, "|RECVAPP|RECVFAC|SENDAPP|SENDFAC|")
	assert.Contains(t, ack, "|2.5")

	nack := HL7AutoResponder{}.Respond(sampleADT, false)
	assert.Contains(t, nack, "MSA|AE|MSG00001")
}

func TestHL7AutoResponder_NonHL7Input(t *testing.T) {
	ack := HL7AutoResponder{}.Respond("not hl7 at all", true)
	assert.Contains(t, ack, "MSA|AA|")
}

func TestTCPListener_DispatchAndACK(t *testing.T) {
	listener, err := NewTCPListener("MLLP Source", config.TCPListener{
		Host: "127.0.0.1", Port: 0, TransmissionMode: config.ModeMLLP,
	}, config.ResponseAuto)
	require.NoError(t, err)

	received := make(chan string, 1)
	listener.SetDispatch(func(ctx context.Context, raw string, sourceMap message.SourceMap) (*message.Response, error) {
		received <- raw
		return &message.Response{Status: message.StatusSent, Content: "ok"}, nil
	})

	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop(context.Background())

	info := listener.ListenerInfo()
	require.NotNil(t, info)

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", info.Host, info.Port))
	require.NoError(t, err)
	defer conn.Close()

	f, _ := newFraming(config.ModeMLLP, "", "")
	require.NoError(t, f.writeFrame(conn, []byte(sampleADT)))

	select {
	case raw := <-received:
		assert.Equal(t, sampleADT, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := f.readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Contains(t, string(ack), "MSA|AA|MSG00001")
}

func TestTCPListener_StartFailureReported(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer holder.Close()
	port := holder.Addr().(*net.TCPAddr).Port

	listener, err := NewTCPListener("MLLP Source", config.TCPListener{
		Host: "127.0.0.1", Port: port,
	}, config.ResponseAuto)
	require.NoError(t, err)

	err = listener.Start(context.Background())
	require.Error(t, err)
}

func TestHTTPListener_DispatchAndResponse(t *testing.T) {
	listener := NewHTTPListener("HTTP Source", config.HTTPListener{
		Host: "127.0.0.1", Port: 0,
	})
	listener.SetDispatch(func(ctx context.Context, raw string, sourceMap message.SourceMap) (*message.Response, error) {
		assert.Equal(t, "POST", sourceMap["method"])
		headers, _ := sourceMap["headers"].(map[string]interface{})
		assert.Equal(t, "abc", headers["X-Test"])
		return &message.Response{Status: message.StatusSent, Content: "got:" + raw}, nil
	})

	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop(context.Background())

	info := listener.ListenerInfo()
	require.NotNil(t, info)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s:%d/ingest?k=v", info.Host, info.Port),
		strings.NewReader("hello"))
	req.Header.Set("X-Test", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := make([]byte, 32)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, "got:hello", string(body[:n]))
}

func TestHTTPSender(t *testing.T) {
	var gotBody, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	sender := NewHTTPSender("HTTP Out", config.HTTPSender{
		URL: server.URL, ContentType: "application/hl7-v2",
	})
	view := script.NewView(sampleADT, nil)
	result := sender.Send(context.Background(), view)

	assert.Equal(t, message.StatusSent, result.Status)
	assert.Equal(t, "accepted", result.ResponseContent)
	assert.Equal(t, sampleADT, gotBody)
	assert.Equal(t, "application/hl7-v2", gotContentType)
}

func TestHTTPSender_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewHTTPSender("HTTP Out", config.HTTPSender{URL: server.URL})
	result := sender.Send(context.Background(), script.NewView("x", nil))
	assert.Equal(t, message.StatusError, result.Status)
	assert.Contains(t, result.Error, "502")
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()
	writer := NewFileWriter("Archive", dir, "msg-${messageId}.hl7", false)
	require.NoError(t, writer.Start(context.Background()))

	view := script.NewView(sampleADT, nil)
	view.MessageID = 7
	result := writer.Send(context.Background(), view)
	require.Equal(t, message.StatusSent, result.Status)

	data, err := os.ReadFile(filepath.Join(dir, "msg-7.hl7"))
	require.NoError(t, err)
	assert.Equal(t, sampleADT, string(data))
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	writer := NewFileWriter("Archive", dir, "all.log", true)
	require.NoError(t, writer.Start(context.Background()))

	for _, payload := range []string{"one\n", "two\n"} {
		view := script.NewView(payload, nil)
		require.Equal(t, message.StatusSent, writer.Send(context.Background(), view).Status)
	}

	data, err := os.ReadFile(filepath.Join(dir, "all.log"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

type fakeRouter struct {
	gotTarget string
	gotRaw    string
	gotMap    message.SourceMap
	result    *DispatchResult
	err       error
}

func (f *fakeRouter) DispatchRawMessage(ctx context.Context, target, raw string, sourceMap message.SourceMap) (*DispatchResult, error) {
	f.gotTarget, f.gotRaw, f.gotMap = target, raw, sourceMap
	return f.result, f.err
}

func TestChannelWriter_ExtendsProvenance(t *testing.T) {
	router := &fakeRouter{result: &DispatchResult{
		MessageID:        9,
		SelectedResponse: &message.Response{Status: message.StatusSent, Content: "downstream-ack"},
	}}
	writer := NewChannelWriter("To B", "chan-b", "", router)

	view := script.NewView("payload", message.SourceMap{})
	view.ChannelID = "chan-a"
	view.MessageID = 4
	view.Transformed = "payload"

	result := writer.Send(context.Background(), view)
	require.Equal(t, message.StatusSent, result.Status)
	assert.Equal(t, "downstream-ack", result.ResponseContent)
	assert.Equal(t, "chan-b", router.gotTarget)
	assert.Equal(t, "payload", router.gotRaw)

	channelID, messageID, ok := router.gotMap.Parent()
	require.True(t, ok)
	assert.Equal(t, "chan-a", channelID)
	assert.Equal(t, int64(4), messageID)
}

func TestChannelWriter_Template(t *testing.T) {
	router := &fakeRouter{result: &DispatchResult{}}
	writer := NewChannelWriter("To B", "chan-b", "wrapped[${message}]", router)

	view := script.NewView("inner", nil)
	view.Transformed = "inner"
	writer.Send(context.Background(), view)
	assert.Equal(t, "wrapped[inner]", router.gotRaw)
}

func TestChannelWriter_RouterErrorIsError(t *testing.T) {
	router := &fakeRouter{err: fmt.Errorf("channel chan-b is not deployed")}
	writer := NewChannelWriter("To B", "chan-b", "", router)

	result := writer.Send(context.Background(), script.NewView("x", nil))
	assert.Equal(t, message.StatusError, result.Status)
	assert.Contains(t, result.Error, "not deployed")
}

func TestChannelReader_RejectsWhenStopped(t *testing.T) {
	reader := NewChannelReader("Reader")
	reader.SetDispatch(func(ctx context.Context, raw string, m message.SourceMap) (*message.Response, error) {
		return &message.Response{Status: message.StatusSent}, nil
	})

	_, err := reader.Deliver(context.Background(), "x", nil)
	assert.Error(t, err, "stopped reader must reject")

	require.NoError(t, reader.Start(context.Background()))
	resp, err := reader.Deliver(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, resp.Status)
}
