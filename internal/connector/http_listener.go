package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/pkg/logging"
)

// HTTPListener is an HTTP source connector. The request body becomes the
// raw message; method, path, headers and query parameters ride along in the
// source map. The selected response becomes the HTTP body.
type HTTPListener struct {
	name string
	cfg  config.HTTPListener

	dispatch DispatchFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	pause *pauseGate
}

// NewHTTPListener builds the source from validated configuration.
func NewHTTPListener(name string, cfg config.HTTPListener) *HTTPListener {
	if name == "" {
		name = "HTTP Listener"
	}
	return &HTTPListener{name: name, cfg: cfg, pause: newPauseGate()}
}

func (l *HTTPListener) Name() string { return l.name }

func (l *HTTPListener) SetDispatch(dispatch DispatchFunc) { l.dispatch = dispatch }

func (l *HTTPListener) ListenerInfo() *api.ListenerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	addr, ok := l.listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return &api.ListenerInfo{Host: addr.IP.String(), Port: addr.Port}
}

// Start binds the listener and serves requests until Stop.
func (l *HTTPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	contextPath := l.cfg.ContextPath
	if contextPath == "" {
		contextPath = "/"
	}
	router.NoRoute(l.handle)

	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return api.NewTransportError("bind "+addr, err)
	}
	l.listener = listener
	l.server = &http.Server{Handler: router}

	go func() {
		if err := l.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("Connector", err, "%s serve failed", l.name)
		}
	}()
	logging.Info("Connector", "%s listening on %s%s", l.name, addr, contextPath)
	return nil
}

// Stop shuts the server down gracefully within the context deadline.
func (l *HTTPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	l.server = nil
	l.listener = nil
	l.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (l *HTTPListener) Pause()  { l.pause.Pause() }
func (l *HTTPListener) Resume() { l.pause.Resume() }

func (l *HTTPListener) handle(c *gin.Context) {
	if l.cfg.ContextPath != "" && !strings.HasPrefix(c.Request.URL.Path, l.cfg.ContextPath) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown context path"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sourceMap := message.SourceMap{
		"method":     c.Request.Method,
		"uri":        c.Request.URL.Path,
		"remoteAddr": c.ClientIP(),
	}
	headers := map[string]interface{}{}
	for k, v := range c.Request.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	sourceMap["headers"] = headers
	query := map[string]interface{}{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	sourceMap["parameters"] = query

	if err := l.pause.Wait(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "source is paused"})
		return
	}
	response, err := l.dispatch(c.Request.Context(), string(body), sourceMap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	contentType := l.cfg.ResponseContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	status := http.StatusOK
	respBody := ""
	if response != nil {
		respBody = response.Content
		if response.Status == message.StatusError {
			status = http.StatusInternalServerError
		}
	}
	c.Data(status, contentType, []byte(respBody))
}
