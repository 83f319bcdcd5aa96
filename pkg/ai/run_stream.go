package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Run stream event kinds consumed downstream.
const (
	EventMessageDelta     = "thread.message.delta"
	EventMessageCompleted = "thread.message.completed"
	eventError            = "error"
	eventDone             = "done"
)

// RunEvent is one server-sent event of a streaming run.
type RunEvent struct {
	Event string
	Data  json.RawMessage
}

// RunStream reads events of a streaming run in arrival order.
type RunStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// OpenRun starts a streaming run of assistantID on threadID.
func (c *OpenAIClient) OpenRun(ctx context.Context, threadID, assistantID string) (*RunStream, error) {
	payload := map[string]any{"assistant_id": assistantID, "stream": true}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("open run: %w", decodeAPIError(resp))
	}
	return NewRunStream(resp.Body), nil
}

// NewRunStream parses server-sent events from body.
func NewRunStream(body io.ReadCloser) *RunStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &RunStream{body: body, scanner: scanner}
}

// Next returns the next event. It returns io.EOF after the terminal "done"
// event or when the body ends, and an *APIError for an "error" event.
func (s *RunStream) Next() (RunEvent, error) {
	var (
		event string
		data  strings.Builder
		seen  bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			return s.finish(event, data.String())
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			seen = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		return RunEvent{}, fmt.Errorf("read run stream: %w", err)
	}
	if seen {
		return s.finish(event, data.String())
	}
	return RunEvent{}, io.EOF
}

func (s *RunStream) finish(event, data string) (RunEvent, error) {
	switch {
	case event == eventDone || data == "[DONE]":
		return RunEvent{}, io.EOF
	case event == eventError:
		var body errorBody
		if err := json.Unmarshal([]byte(data), &body); err != nil || body.Message == "" {
			var wrapped errorResponse
			if json.Unmarshal([]byte(data), &wrapped) == nil && wrapped.Error.Message != "" {
				body = wrapped.Error
			}
		}
		if body.Message == "" {
			body.Message = "run stream error"
		}
		return RunEvent{}, &APIError{Type: body.Type, Code: body.Code, Message: body.Message}
	}
	return RunEvent{Event: event, Data: json.RawMessage(data)}, nil
}

// Close releases the underlying connection.
func (s *RunStream) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	return s.body.Close()
}

// MessageDelta is the payload of a thread.message.delta event.
type MessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []ContentPart `json:"content"`
	} `json:"delta"`
}

// Message is the payload of a thread.message.completed event.
type Message struct {
	ID      string        `json:"id"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// Text concatenates the text parts of the delta.
func (d MessageDelta) Text() string {
	return joinText(d.Delta.Content)
}

// Text returns the text of the message's first text part.
func (m Message) Text() string {
	for _, part := range m.Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value
		}
	}
	return ""
}

func joinText(parts []ContentPart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "text" && part.Text != nil {
			b.WriteString(part.Text.Value)
		}
	}
	return b.String()
}
