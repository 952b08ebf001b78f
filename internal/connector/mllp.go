package connector

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"conduit/internal/config"
)

// MLLP default frame bytes: a single start byte 0x0B, end bytes 0x1C 0x0D.
var (
	mllpStart = []byte{0x0b}
	mllpEnd   = []byte{0x1c, 0x0d}
)

// framing holds the resolved transmission mode of a TCP connector.
type framing struct {
	mode  string
	start []byte
	end   []byte
}

// newFraming resolves mode and frame bytes from configuration. FRAME mode
// takes its bytes from the hex-encoded config fields, falling back to the
// MLLP defaults when unset.
func newFraming(mode, startHex, endHex string) (framing, error) {
	if mode == "" {
		mode = config.ModeMLLP
	}
	f := framing{mode: mode, start: mllpStart, end: mllpEnd}
	if mode == config.ModeRaw {
		return f, nil
	}
	if startHex != "" {
		start, err := hex.DecodeString(startHex)
		if err != nil {
			return framing{}, fmt.Errorf("invalid startOfMessageBytes %q: %w", startHex, err)
		}
		f.start = start
	}
	if endHex != "" {
		end, err := hex.DecodeString(endHex)
		if err != nil {
			return framing{}, fmt.Errorf("invalid endOfMessageBytes %q: %w", endHex, err)
		}
		f.end = end
	}
	if len(f.end) == 0 {
		return framing{}, fmt.Errorf("endOfMessageBytes must not be empty")
	}
	return f, nil
}

// readFrame reads one complete message. In RAW mode it reads until EOF; in
// framed modes it discards bytes up to the start sequence then accumulates
// until the end sequence. io.EOF with no payload is returned as io.EOF.
func (f framing) readFrame(r *bufio.Reader) ([]byte, error) {
	if f.mode == config.ModeRaw {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, io.EOF
		}
		return data, nil
	}

	// Skip to the start sequence.
	matched := 0
	for matched < len(f.start) {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == f.start[matched] {
			matched++
		} else if b == f.start[0] {
			matched = 1
		} else {
			matched = 0
		}
	}

	var payload bytes.Buffer
	matched = 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == f.end[matched] {
			matched++
			if matched == len(f.end) {
				return payload.Bytes(), nil
			}
			continue
		}
		if matched > 0 {
			payload.Write(f.end[:matched])
			matched = 0
		}
		if b == f.end[0] {
			matched = 1
			continue
		}
		payload.WriteByte(b)
	}
}

// writeFrame writes one message with the configured frame bytes. RAW mode
// writes the payload bare; the peer delimits by connection close.
func (f framing) writeFrame(w io.Writer, payload []byte) error {
	if f.mode == config.ModeRaw {
		_, err := w.Write(payload)
		return err
	}
	if _, err := w.Write(f.start); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write(f.end)
	return err
}
