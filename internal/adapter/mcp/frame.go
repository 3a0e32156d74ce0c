package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"medigate/internal/domain"
)

// Reply is one decoded JSON-RPC message from a backend. A reply carrying an
// Error is a protocol-level failure; Result holds the payload otherwise.
type Reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object shape.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseResponse normalizes a backend response body into a sequence of
// replies. Plain JSON yields exactly one reply; an event stream yields one
// reply per decodable data frame, in frame order. The returned slice is
// always non-nil so callers can tell "zero decodable frames" (empty slice)
// from a malformed response (error).
func ParseResponse(backendName, contentType string, body []byte, logger *slog.Logger) ([]Reply, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.EqualFold(mediaType, "text/event-stream"):
		return parseEventStream(backendName, body, logger), nil
	case strings.EqualFold(mediaType, "application/json"):
		var reply Reply
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("decode json body from %s: %w", backendName, err)
		}
		return []Reply{reply}, nil
	default:
		return nil, domain.NewDomainError("mcp.ParseResponse", domain.ErrUnsupportedFormat,
			fmt.Sprintf("backend %s returned content type %q", backendName, contentType))
	}
}

// parseEventStream splits an SSE body into events on blank-line boundaries,
// concatenates the data lines of each event, and JSON-decodes the payloads.
// Frames that fail to decode are dropped with a warning, not fatal.
func parseEventStream(backendName string, body []byte, logger *slog.Logger) []Reply {
	replies := make([]Reply, 0, 1)

	var data []byte
	flush := func() {
		if len(bytes.TrimSpace(data)) == 0 {
			data = nil
			return
		}
		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			logger.Warn("dropping undecodable event-stream frame",
				"backend", backendName,
				"error", err,
				"frame_len", len(data),
			)
		} else {
			replies = append(replies, reply)
		}
		data = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")

		// Blank line terminates the current event.
		if len(line) == 0 {
			flush()
			continue
		}

		// Comments and non-data fields are ignored.
		if line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		// Both "data: " and "data:" prefixes occur in the wild.
		payload := bytes.TrimPrefix(line, []byte("data:"))
		payload = bytes.TrimPrefix(payload, []byte(" "))
		data = append(data, payload...)
	}
	flush()

	return replies
}

// Payload extracts the result of a reply, translating a backend error object
// into a ProtocolError. A reply with neither result nor error yields an
// empty raw message.
func (r Reply) Payload(backendName string) (json.RawMessage, error) {
	if r.Error != nil {
		return nil, &domain.ProtocolError{
			Backend: backendName,
			Code:    r.Error.Code,
			Message: r.Error.Message,
		}
	}
	return r.Result, nil
}

// FirstPayload returns the first reply's payload. An empty reply sequence is
// reported distinctly so callers can tell "no data" from "malformed data".
func FirstPayload(backendName string, replies []Reply) (json.RawMessage, error) {
	if len(replies) == 0 {
		return nil, fmt.Errorf("backend %s: no decodable reply in response", backendName)
	}
	return replies[0].Payload(backendName)
}
