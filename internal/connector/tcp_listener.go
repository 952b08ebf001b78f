package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/message"
	"conduit/pkg/logging"
)

// TCPListener is a TCP/MLLP source connector. Messages from one connection
// enter the dispatch upcall in arrival order; each frame is answered on the
// same connection according to the configured response mode.
type TCPListener struct {
	name         string
	cfg          config.TCPListener
	responseMode string
	framing      framing
	responder    AutoResponder

	dispatch DispatchFunc

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// pause blocks frame dispatch while the source is paused without
	// dropping the connection.
	pause *pauseGate

	conns *semaphore.Weighted
}

// NewTCPListener builds the source from validated configuration.
func NewTCPListener(name string, cfg config.TCPListener, responseMode string) (*TCPListener, error) {
	f, err := newFraming(cfg.TransmissionMode, cfg.StartOfMessageBytes, cfg.EndOfMessageBytes)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	if name == "" {
		name = "TCP Listener"
	}
	return &TCPListener{
		name:         name,
		cfg:          cfg,
		responseMode: responseMode,
		framing:      f,
		responder:    HL7AutoResponder{},
		pause:        newPauseGate(),
		conns:        semaphore.NewWeighted(int64(maxConns)),
	}, nil
}

func (l *TCPListener) Name() string { return l.name }

func (l *TCPListener) SetDispatch(dispatch DispatchFunc) { l.dispatch = dispatch }

// ListenerInfo reports the bound endpoint once started.
func (l *TCPListener) ListenerInfo() *api.ListenerInfo {
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

// Start binds the listener and begins accepting connections. A bind failure
// is returned to the channel, which stays STOPPED.
func (l *TCPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return api.NewTransportError("bind "+addr, err)
	}
	l.listener = listener

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.acceptLoop(loopCtx, listener)
	logging.Info("Connector", "%s listening on %s", l.name, addr)
	return nil
}

// Stop closes the listener and waits for connection handlers to drain.
func (l *TCPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	listener := l.listener
	cancel := l.cancel
	l.listener = nil
	l.cancel = nil
	l.mu.Unlock()

	if listener == nil {
		return nil
	}
	cancel()
	listener.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Pause blocks new message dispatch; open connections stay open.
func (l *TCPListener) Pause() { l.pause.Pause() }

// Resume releases a previous Pause.
func (l *TCPListener) Resume() { l.pause.Resume() }

func (l *TCPListener) acceptLoop(ctx context.Context, listener net.Listener) {
	defer l.wg.Done()
	for {
		// Backpressure: no new connection is accepted beyond maxConnections.
		if err := l.conns.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			l.conns.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("Connector", "%s accept failed: %v", l.name, err)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.conns.Release(1)
			defer conn.Close()
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	size := l.cfg.BufferSize
	if size <= 0 {
		size = 64 * 1024
	}
	reader := bufio.NewReaderSize(conn, size)

	for ctx.Err() == nil {
		if l.cfg.ReceiveTimeoutMS > 0 {
			conn.SetReadDeadline(time.Now().Add(time.Duration(l.cfg.ReceiveTimeoutMS) * time.Millisecond))
		}
		frame, err := l.framing.readFrame(reader)
		if err != nil {
			return
		}

		l.dispatchFrame(ctx, conn, string(frame))

		if !l.cfg.KeepConnectionOpen && l.framing.mode != config.ModeRaw {
			return
		}
		if l.framing.mode == config.ModeRaw {
			// RAW frames are delimited by close; one message per connection.
			return
		}
	}
}

func (l *TCPListener) dispatchFrame(ctx context.Context, conn net.Conn, raw string) {
	// A stopping listener cancels ctx, so a pause never outlives the source.
	if err := l.pause.Wait(ctx); err != nil {
		return
	}

	response, err := l.dispatch(ctx, raw, message.SourceMap{})
	if err != nil {
		logging.Error("Connector", err, "%s message dispatch failed", l.name)
	}

	var reply string
	switch l.responseMode {
	case config.ResponseNone:
		return
	case config.ResponseDestination:
		if response != nil {
			reply = response.Content
		}
	default: // AUTO
		accepted := err == nil && (response == nil || response.Status != message.StatusError)
		reply = l.responder.Respond(raw, accepted)
	}
	if reply == "" {
		return
	}
	if err := l.framing.writeFrame(conn, []byte(reply)); err != nil {
		logging.Warn("Connector", "%s failed to write response: %v", l.name, err)
	}
}
