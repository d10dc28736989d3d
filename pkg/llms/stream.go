package llms

import (
	"encoding/json"
	"io"
	"strings"
)

// toolCallEventMarker delimits structured tool-call frames injected into a
// text stream. Consumers that do not understand the frames can strip them
// by splitting on the marker.
const toolCallEventMarker = "__TOOL_CALL_EVENT__"

// Event kinds carried between markers.
const (
	eventToolCallDetected = "tool_call_detected"
	eventToolCallsStart   = "tool_calls_start"
	eventToolCallComplete = "tool_call_complete"
)

// toolDisplayNames maps well-known tool ids to the labels shown while a
// call is in flight. Unknown ids fall back to a humanized form.
var toolDisplayNames = map[string]string{
	"get_time":       "Getting the time",
	"web_search":     "Searching the web",
	"fetch_url":      "Fetching a page",
	"run_query":      "Running a query",
	"send_email":     "Sending email",
	"execute_code":   "Executing code",
	"read_file":      "Reading a file",
	"write_file":     "Writing a file",
	"list_directory": "Listing files",
}

func toolDisplayName(id string) string {
	if name, ok := toolDisplayNames[id]; ok {
		return name
	}
	words := strings.Split(strings.ReplaceAll(id, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

type toolCallEventRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Result      any    `json:"result,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	Error       string `json:"error,omitempty"`
}

type toolCallEvent struct {
	Type      string             `json:"type"`
	ToolCall  *toolCallEventRef  `json:"toolCall,omitempty"`
	ToolCalls []toolCallEventRef `json:"toolCalls,omitempty"`
}

// encodeToolCallEvent renders one framed event, newline-padded on both
// sides so it never glues onto surrounding text.
func encodeToolCallEvent(ev toolCallEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return []byte("\n" + toolCallEventMarker + string(data) + toolCallEventMarker + "\n")
}

func detectedEvent(tc ToolCall) []byte {
	return encodeToolCallEvent(toolCallEvent{
		Type:     eventToolCallDetected,
		ToolCall: &toolCallEventRef{ID: tc.ID, Name: tc.Name, DisplayName: toolDisplayName(tc.Name)},
	})
}

func startEvent(calls []ToolCall) []byte {
	refs := make([]toolCallEventRef, 0, len(calls))
	for _, tc := range calls {
		refs = append(refs, toolCallEventRef{ID: tc.ID, Name: tc.Name, DisplayName: toolDisplayName(tc.Name)})
	}
	return encodeToolCallEvent(toolCallEvent{Type: eventToolCallsStart, ToolCalls: refs})
}

func completeEvent(rec ToolCallRecord) []byte {
	ref := &toolCallEventRef{
		ID:          rec.ID,
		Name:        rec.Name,
		DisplayName: toolDisplayName(rec.Name),
		Duration:    rec.Duration,
	}
	if rec.Success {
		ref.Result = rec.Result
	} else {
		ref.Error = rec.Error
	}
	return encodeToolCallEvent(toolCallEvent{Type: eventToolCallComplete, ToolCall: ref})
}

// StripToolCallEvents removes framed events from streamed text, returning
// the prose and the decoded events separately.
func StripToolCallEvents(text string) (string, []map[string]any) {
	parts := strings.Split(text, toolCallEventMarker)
	if len(parts) == 1 {
		return text, nil
	}
	var prose strings.Builder
	var events []map[string]any
	for i, part := range parts {
		if i%2 == 0 {
			prose.WriteString(part)
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(part), &ev); err == nil {
			events = append(events, ev)
		}
	}
	return prose.String(), events
}

// chunkStream adapts an adapter chunk channel into the caller-facing byte
// stream. Preamble frames are written before any model text; the finish
// callback fires once with the accumulated text and final usage when the
// channel drains.
func newChunkStream(chunks <-chan StreamChunk, preamble [][]byte, onFinish func(text string, usage *TokenUsage, err error)) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		var text strings.Builder
		var usage *TokenUsage

		for _, frame := range preamble {
			if _, err := pw.Write(frame); err != nil {
				onFinish(text.String(), usage, err)
				return
			}
		}

		for chunk := range chunks {
			switch chunk.Type {
			case "text":
				text.WriteString(chunk.Text)
				if _, err := pw.Write([]byte(chunk.Text)); err != nil {
					// Reader went away; drain the channel so the adapter
					// goroutine can exit.
					for range chunks {
					}
					onFinish(text.String(), usage, err)
					return
				}
			case "done":
				usage = chunk.Usage
			case "error":
				onFinish(text.String(), usage, chunk.Err)
				pw.CloseWithError(chunk.Err)
				for range chunks {
				}
				return
			}
		}
		// Finalize before closing so the record is complete by the time the
		// reader observes EOF.
		onFinish(text.String(), usage, nil)
		pw.Close()
	}()
	return pr
}

// newReplayStream serves already-buffered text as a stream, with optional
// preamble frames. Used when the terminal response was produced by a
// buffered call but the caller asked for a stream.
func newReplayStream(text string, preamble [][]byte) io.ReadCloser {
	var buf strings.Builder
	for _, frame := range preamble {
		buf.Write(frame)
	}
	buf.WriteString(text)
	return io.NopCloser(strings.NewReader(buf.String()))
}
