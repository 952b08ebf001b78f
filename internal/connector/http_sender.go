package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/internal/script"
)

// HTTPSender is an HTTP destination. The encoded message is the request
// body; the response body and status are captured as the destination
// response.
type HTTPSender struct {
	name   string
	cfg    config.HTTPSender
	client *http.Client
}

// NewHTTPSender builds the destination from validated configuration.
func NewHTTPSender(name string, cfg config.HTTPSender) *HTTPSender {
	if name == "" {
		name = "HTTP Sender"
	}
	timeout := time.Duration(cfg.SocketTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Name() string { return s.name }

func (s *HTTPSender) Start(ctx context.Context) error { return nil }
func (s *HTTPSender) Stop(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// Send performs one attempt. Non-2xx responses are ERROR so queued
// destinations retry them.
func (s *HTTPSender) Send(ctx context.Context, view *script.View) SendResult {
	payload := view.Encoded
	if payload == "" {
		payload = view.Transformed
	}

	method := s.cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, strings.NewReader(payload))
	if err != nil {
		return errorResult(fmt.Errorf("building request for %s: %w", s.cfg.URL, err))
	}
	contentType := s.cfg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errorResult(fmt.Errorf("sending to %s: %w", s.cfg.URL, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(fmt.Errorf("reading response from %s: %w", s.cfg.URL, err))
	}

	result := SendResult{
		ResponseContent: string(body),
		ResponseStatus:  resp.Status,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = message.StatusSent
	} else {
		result.Status = message.StatusError
		result.Error = fmt.Sprintf("upstream returned %s", resp.Status)
	}
	return result
}
