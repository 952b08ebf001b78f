package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/donkey"
	"conduit/internal/message"
	"conduit/internal/trace"
)

// fail maps engine errors onto the {error: string} wire shape.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case api.IsNotFound(err):
		status = http.StatusNotFound
	case api.IsConfigError(err):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Statuses())
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.engine.Status(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleDeploy accepts a channel YAML document and deploys it.
func (s *Server) handleDeploy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	cfg, err := config.ParseChannel(body)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.engine.Deploy(c.Request.Context(), cfg); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": cfg.ID})
}

// lifecycle builds the handler for one state-machine verb.
func (s *Server) lifecycle(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()
		var err error
		switch op {
		case "start":
			err = s.engine.StartChannel(ctx, id)
		case "stop":
			err = s.engine.StopChannel(ctx, id)
		case "pause":
			err = s.engine.PauseChannel(id)
		case "resume":
			err = s.engine.ResumeChannel(id)
		case "halt":
			err = s.engine.HaltChannel(ctx, id)
		case "undeploy":
			err = s.engine.Undeploy(ctx, id)
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.engine.Statistics(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleResetStatistics(c *gin.Context) {
	if err := s.engine.ResetStatistics(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearStatistics(c *gin.Context) {
	metadataID, err := strconv.Atoi(c.Param("metadataId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadataId must be an integer"})
		return
	}
	if err := s.engine.ClearStatistics(c.Param("id"), metadataID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSendMessage submits the request body as a raw message.
// sourceMapEntry=k=v[,k=v] seeds the source map; destinationMetaDataId=1,2
// restricts the chain.
func (s *Server) handleSendMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}

	sourceMap := message.SourceMap{}
	for _, entry := range c.QueryArray("sourceMapEntry") {
		for _, pair := range strings.Split(entry, ",") {
			if k, v, ok := strings.Cut(pair, "="); ok {
				sourceMap[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}

	var destinations []int
	if raw := c.Query("destinationMetaDataId"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "destinationMetaDataId must be a list of integers"})
				return
			}
			destinations = append(destinations, id)
		}
	}

	resp, msgID, err := s.engine.SendMessage(c.Request.Context(), c.Param("id"), string(body), sourceMap, destinations)
	if err != nil {
		fail(c, err)
		return
	}
	out := gin.H{"messageId": msgID}
	if resp != nil {
		out["status"] = resp.Status
		if resp.Content != "" {
			out["response"] = resp.Content
		}
		if resp.Error != "" {
			out["error"] = resp.Error
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleBrowseMessages(c *gin.Context) {
	filter := donkey.QueryFilter{Status: message.Status(c.Query("status"))}
	offset := cast.ToInt(c.DefaultQuery("offset", "0"))
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))

	messages, err := s.engine.BrowseMessages(c.Param("id"), filter, offset, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "offset": offset, "limit": limit})
}

func (s *Server) handleGetMessage(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	maxLen := cast.ToInt(c.Query("maxContentLength"))
	bundle, err := s.engine.GetMessageBundle(c.Param("id"), messageID, maxLen)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleReprocessMessage(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	resp, newID, err := s.engine.ReprocessMessage(c.Param("id"), messageID)
	if err != nil {
		fail(c, err)
		return
	}
	out := gin.H{"messageId": newID}
	if resp != nil {
		out["status"] = resp.Status
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRemoveMessage(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	if err := s.engine.RemoveMessage(c.Param("id"), messageID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRemoveAllMessages clears the channel. With returnErrors=false the
// operation reports success even when the store failed; the flag exists for
// bulk cleanup scripts that prefer silence.
func (s *Server) handleRemoveAllMessages(c *gin.Context) {
	err := s.engine.RemoveAllMessages(c.Param("id"))
	returnErrors := c.DefaultQuery("returnErrors", "true") != "false"
	if err != nil && returnErrors {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleExportMessage(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	payload, err := s.engine.ExportMessage(c.Param("id"), messageID, c.Query("passphrase"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) handleImportMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	id, err := s.engine.ImportMessage(c.Param("id"), body, c.Query("passphrase"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": id})
}

func (s *Server) handleTrace(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	// maxDepth=0 is a meaningful request (just this node), so the default
	// applies only when the parameter is absent.
	maxDepth := trace.DefaultMaxDepth
	if raw, present := c.GetQuery("maxDepth"); present {
		maxDepth = cast.ToInt(raw)
	}
	opts := trace.Options{
		MaxDepth:         maxDepth,
		MaxFanOut:        cast.ToInt(c.Query("maxFanOut")),
		IncludeContent:   c.Query("includeContent") == "true",
		MaxContentLength: cast.ToInt(c.Query("maxContentLength")),
	}
	node, err := s.trace.Trace(c.Param("id"), messageID, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func messageIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messageId must be an integer"})
		return 0, false
	}
	return id, true
}

// handleStoreAttachment stores the request body as a binary attachment on a
// message. An attachmentId query parameter names the attachment; one is
// generated otherwise.
func (s *Server) handleStoreAttachment(c *gin.Context) {
	messageID, ok := messageIDParam(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	attachmentID := c.Query("attachmentId")
	if attachmentID == "" {
		attachmentID = uuid.NewString()
	}
	if err := s.engine.StoreAttachment(c.Param("id"), messageID, attachmentID, data); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachmentId": attachmentID})
}

func (s *Server) handleGetAttachment(c *gin.Context) {
	att, err := s.engine.GetAttachment(c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", att.Data)
}
