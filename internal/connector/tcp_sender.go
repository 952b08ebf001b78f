package connector

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/internal/script"
)

// TCPSender is a TCP/MLLP destination. Each send dials, writes one framed
// message, and reads one framed response unless the transmission mode is
// RAW.
type TCPSender struct {
	name    string
	cfg     config.TCPSender
	framing framing
}

// NewTCPSender builds the destination from validated configuration.
func NewTCPSender(name string, cfg config.TCPSender) (*TCPSender, error) {
	f, err := newFraming(cfg.TransmissionMode, cfg.StartOfMessageBytes, cfg.EndOfMessageBytes)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "TCP Sender"
	}
	return &TCPSender{name: name, cfg: cfg, framing: f}, nil
}

func (s *TCPSender) Name() string { return s.name }

func (s *TCPSender) Start(ctx context.Context) error { return nil }
func (s *TCPSender) Stop(ctx context.Context) error  { return nil }

// Send performs one attempt. Timeouts and connection failures come back as
// ERROR results; the channel's queue decides whether to retry.
func (s *TCPSender) Send(ctx context.Context, view *script.View) SendResult {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialer := net.Dialer{}
	if s.cfg.SocketTimeoutMS > 0 {
		dialer.Timeout = time.Duration(s.cfg.SocketTimeoutMS) * time.Millisecond
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errorResult(fmt.Errorf("dialing %s: %w", addr, err))
	}
	defer conn.Close()

	// Halt trips the context; abandon the socket immediately.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	payload := view.Encoded
	if payload == "" {
		payload = view.Transformed
	}
	if err := s.framing.writeFrame(conn, []byte(payload)); err != nil {
		return errorResult(fmt.Errorf("writing to %s: %w", addr, err))
	}

	if s.framing.mode == config.ModeRaw {
		return SendResult{Status: message.StatusSent}
	}

	if s.cfg.ResponseTimeoutMS > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.ResponseTimeoutMS) * time.Millisecond))
	}
	response, err := s.framing.readFrame(bufio.NewReader(conn))
	if err != nil {
		return errorResult(fmt.Errorf("reading response from %s: %w", addr, err))
	}
	return SendResult{Status: message.StatusSent, ResponseContent: string(response)}
}
