package fabric

import (
	"encoding/json"

	"github.com/aetherpro/fabric/internal/trace"
)

// Request is the wire form of every inbound call: a name plus a JSON
// argument object.
type Request struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Response is the canonical wire envelope returned for every call.
// Trace is always present, including on errors.
type Response struct {
	OK     bool          `json:"ok"`
	Trace  trace.Context `json:"trace"`
	Result any           `json:"result"`
	Error  *Error        `json:"error,omitempty"`
}

// OKResponse builds a success envelope.
func OKResponse(tc trace.Context, result any) *Response {
	return &Response{OK: true, Trace: tc, Result: result}
}

// FailResponse builds a failure envelope from any error.
func FailResponse(tc trace.Context, err error) *Response {
	return &Response{OK: false, Trace: tc, Error: AsError(err)}
}

// ── Streamed events ─────────────────────────────────────────

// EventKind is the type of one streamed event.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventToken    EventKind = "token"
	EventToolCall EventKind = "tool_call"
	EventProgress EventKind = "progress"
	EventFinal    EventKind = "final"
)

// Event is one element of a streamed response. The terminal event is
// always kind "final" and its Data is the canonical success or failure
// envelope.
type Event struct {
	Kind EventKind      `json:"event"`
	Data map[string]any `json:"data"`
}

// FinalEvent wraps a response envelope as the terminal stream event.
func FinalEvent(resp *Response) Event {
	data := map[string]any{
		"ok":     resp.OK,
		"trace":  resp.Trace,
		"result": resp.Result,
	}
	if resp.Error != nil {
		data["error"] = resp.Error
	}
	return Event{Kind: EventFinal, Data: data}
}
