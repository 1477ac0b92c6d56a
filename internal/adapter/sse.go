package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aetherpro/fabric/internal/fabric"
)

// streamEvents reads text/event-stream frames from resp and forwards them
// as typed events. The returned channel always terminates with a "final"
// event and is then closed; if the upstream ends without one, a failure
// final is synthesized. Cancelling ctx closes the response body, which
// unwinds the underlying connection.
func streamEvents(ctx context.Context, env *fabric.Envelope, resp *http.Response) <-chan fabric.Event {
	ch := make(chan fabric.Event)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Close the body from the side when the caller goes away so the
		// blocked read below returns.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-done:
			}
		}()

		sawFinal := false
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		var data strings.Builder
		flush := func() bool {
			if data.Len() == 0 {
				return true
			}
			ev, ok := decodeEvent(data.String())
			data.Reset()
			if !ok {
				return true // skip malformed frames
			}
			if ev.Kind == fabric.EventFinal {
				sawFinal = true
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return false
			}
			return !sawFinal // stop after the terminal event
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			default:
				// event:/id:/retry: fields and comments are ignored; the
				// event kind travels inside the JSON payload.
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("agent", env.Target.ID).Msg("stream read ended")
		}
		flush()

		if !sawFinal {
			failure := fabric.FailResponse(env.Trace,
				fabric.E(fabric.ErrUpstream, "agent %q %s", env.Target.ID, errStreamTruncated))
			if ctx.Err() != nil {
				failure = fabric.FailResponse(env.Trace,
					fabric.E(fabric.ErrTimeout, "stream from agent %q canceled", env.Target.ID))
			}
			select {
			case ch <- fabric.FinalEvent(failure):
			case <-ctx.Done():
			}
		}
	}()

	return ch
}

// decodeEvent parses one SSE data payload into an Event. Payloads are
// {"event": kind, "data": {...}}; a bare object is treated as a final
// envelope for agents that reply without framing.
func decodeEvent(payload string) (fabric.Event, bool) {
	var ev fabric.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fabric.Event{}, false
	}
	if ev.Kind == "" {
		var body map[string]any
		if err := json.Unmarshal([]byte(payload), &body); err != nil || len(body) == 0 {
			return fabric.Event{}, false
		}
		return fabric.Event{Kind: fabric.EventFinal, Data: body}, true
	}
	switch ev.Kind {
	case fabric.EventStatus, fabric.EventToken, fabric.EventToolCall, fabric.EventProgress, fabric.EventFinal:
		return ev, true
	default:
		return fabric.Event{}, false
	}
}
