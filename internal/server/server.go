// Package server exposes the engine over HTTP: channel lifecycle and
// status, message submission, browsing, reprocess, import/export, trace,
// and a websocket event feed for dashboards.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"conduit/internal/config"
	"conduit/internal/engine"
	"conduit/internal/trace"
	"conduit/pkg/logging"
)

// Server is the REST/websocket front of one engine.
type Server struct {
	cfg    *config.EngineConfig
	engine *engine.Engine
	trace  *trace.Service

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New wires the server over a running engine.
func New(cfg *config.EngineConfig, eng *engine.Engine) *Server {
	return &Server{
		cfg:    cfg,
		engine: eng,
		trace:  trace.New(eng.Store(), eng),
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/events", s.handleEvents)

	channels := router.Group("/channels", s.auth())
	channels.GET("", s.handleListChannels)
	channels.POST("/_deploy", s.handleDeploy)

	one := channels.Group("/:id")
	one.GET("/status", s.handleStatus)
	one.POST("/_start", s.lifecycle("start"))
	one.POST("/_stop", s.lifecycle("stop"))
	one.POST("/_pause", s.lifecycle("pause"))
	one.POST("/_resume", s.lifecycle("resume"))
	one.POST("/_halt", s.lifecycle("halt"))
	one.POST("/_undeploy", s.lifecycle("undeploy"))

	one.GET("/statistics", s.handleStatistics)
	one.DELETE("/statistics", s.handleResetStatistics)
	one.DELETE("/statistics/:metadataId", s.handleClearStatistics)

	one.POST("/messages", s.handleSendMessage)
	one.GET("/messages", s.handleBrowseMessages)
	one.DELETE("/messages", s.handleRemoveAllMessages)
	one.POST("/messages/_import", s.handleImportMessage)
	one.GET("/messages/:messageId", s.handleGetMessage)
	one.DELETE("/messages/:messageId", s.handleRemoveMessage)
	one.POST("/messages/:messageId/_reprocess", s.handleReprocessMessage)
	one.POST("/messages/:messageId/attachments", s.handleStoreAttachment)
	one.GET("/messages/:messageId/attachments/:attachmentId", s.handleGetAttachment)
	one.GET("/messages/:messageId/_export", s.handleExportMessage)
	one.GET("/messages/:messageId/_trace", s.handleTrace)

	return router
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.Router()}
	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	logging.Info("Server", "API listening on %s", listener.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// auth gates the API on the admin password when one is configured.
func (s *Server) auth() gin.HandlerFunc {
	password := s.cfg.AdminPassword
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}
		given := c.GetHeader("X-Admin-Password")
		if subtle.ConstantTimeCompare([]byte(given), []byte(password)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.Next()
	}
}
