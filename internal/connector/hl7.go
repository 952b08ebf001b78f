package connector

import (
	"fmt"
	"strings"
	"time"
)

// AutoResponder generates a protocol-specific response when a source's
// response mode is AUTO.
type AutoResponder interface {
	Respond(raw string, accepted bool) string
}

// HL7AutoResponder builds HL7v2 ACK messages, echoing the control id from
// MSH-10 and swapping the sending and receiving applications.
type HL7AutoResponder struct{}

// Respond generates an ACK (MSA|AA) or NACK (MSA|AE) for the given HL7
// message. Input that does not parse as HL7 still gets a best-effort ACK
// with empty routing fields.
func (HL7AutoResponder) Respond(raw string, accepted bool) string {
	sendingApp, sendingFacility := "", ""
	receivingApp, receivingFacility := "", ""
	controlID := ""
	version := "2.3"

	line := raw
	if idx := strings.IndexAny(raw, "\r\n"); idx >= 0 {
		line = raw[:idx]
	}
	if strings.HasPrefix(line, "MSH") && len(line) > 3 {
		sep := string(line[3])
		fields := strings.Split(line, sep)
		get := func(i int) string {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
		// MSH-1 is the separator itself, so slice indexes are offset by one.
		sendingApp = get(2)
		sendingFacility = get(3)
		receivingApp = get(4)
		receivingFacility = get(5)
		controlID = get(9)
		if v := get(11); v != "" {
			version = v
		}
	}

	code := "AA"
	if !accepted {
		code = "AE"
	}
	timestamp := time.Now().Format("20060102150405")
	msh := fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|P|%s",
		receivingApp, receivingFacility, sendingApp, sendingFacility,
		timestamp, controlID, version)
	msa := fmt.Sprintf("MSA|%s|%s", code, controlID)
	return msh + "\r" + msa + "\r"
}
