package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"medigate/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseResponsePlainJSON(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)

	replies, err := ParseResponse("medicare", "application/json", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if string(replies[0].Result) != `{"tools":[]}` {
		t.Errorf("result = %s, want decoded body result", replies[0].Result)
	}
}

func TestParseResponseEventStreamFrameOrder(t *testing.T) {
	// Mixed "data: " and "data:" prefixes; order must be preserved.
	body := []byte("data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"n\":1}}\n\n" +
		"data:{\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{\"n\":2}}\n\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{\"n\":3}}\n\n")

	replies, err := ParseResponse("medicare", "text/event-stream", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 3 {
		t.Fatalf("replies = %d, want 3", len(replies))
	}
	for i, r := range replies {
		var result struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(r.Result, &result); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if result.N != i+1 {
			t.Errorf("frame %d: n = %d, want %d", i, result.N, i+1)
		}
	}
}

func TestParseResponseMultiLineData(t *testing.T) {
	// A single event whose payload is split across two data lines.
	body := []byte("data: {\"jsonrpc\":\"2.0\",\"id\":1,\ndata: \"result\":{\"ok\":true}}\n\n")

	replies, err := ParseResponse("medicare", "text/event-stream", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if string(replies[0].Result) != `{"ok":true}` {
		t.Errorf("result = %s, want joined payload", replies[0].Result)
	}
}

func TestParseResponseCRLF(t *testing.T) {
	body := []byte("data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\r\n\r\n")

	replies, err := ParseResponse("medicare", "text/event-stream", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
}

func TestParseResponseContentTypeParams(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)

	replies, err := ParseResponse("medicare", "application/json; charset=utf-8", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
}

func TestParseResponseZeroFramesVsEmptyFrame(t *testing.T) {
	// Undecodable frames are dropped: the result is an empty, non-nil slice.
	garbage := []byte("data: not json at all\n\ndata: {broken\n\n")
	replies, err := ParseResponse("medicare", "text/event-stream", garbage, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if replies == nil {
		t.Fatal("replies is nil, want empty non-nil slice")
	}
	if len(replies) != 0 {
		t.Fatalf("replies = %d, want 0", len(replies))
	}

	// One frame whose result is an empty object is a different outcome.
	empty := []byte("data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	replies, err = ParseResponse("medicare", "text/event-stream", empty, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
}

func TestParseResponseUnsupportedContentType(t *testing.T) {
	_, err := ParseResponse("medicare", "text/html", []byte("<html></html>"), newTestLogger())
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseResponseMalformedPlainJSON(t *testing.T) {
	if _, err := ParseResponse("medicare", "application/json", []byte("{oops"), newTestLogger()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPayloadErrorField(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
	replies, err := ParseResponse("medicare", "application/json", body, newTestLogger())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}

	_, err = replies[0].Payload("medicare")
	if !errors.Is(err, domain.ErrBackendProtocol) {
		t.Fatalf("err = %v, want ErrBackendProtocol", err)
	}
	var pe *domain.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatal("expected *domain.ProtocolError")
	}
	if pe.Code != -32601 || pe.Message != "method not found" {
		t.Errorf("protocol error = %+v, want backend code and message", pe)
	}
}

func TestFirstPayloadEmptyReplies(t *testing.T) {
	if _, err := FirstPayload("medicare", []Reply{}); err == nil {
		t.Fatal("expected error for empty reply sequence")
	}
}
