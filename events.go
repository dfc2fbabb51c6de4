package kgrag

import (
	"context"
	"encoding/json"
	"io"
)

// Event types of an answer stream.
const (
	EventStatus = "status"
	EventToken  = "token"
	EventError  = "error"
	EventDone   = "done"
)

// Event is one line of an answer stream. Status events carry Msg, token
// events carry Content, error events carry Msg.
type Event struct {
	Type    string `json:"type"`
	Msg     string `json:"msg,omitempty"`
	Content string `json:"content,omitempty"`
}

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone
}

// WriteNDJSON writes every event from events to w, one JSON object per
// line, until the channel closes. flush, if non-nil, runs after each line.
func WriteNDJSON(w io.Writer, events <-chan Event, flush func()) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Keep draining so the producer can finish.
			for range events {
			}
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}

// Collect drains events and returns the concatenated token content. The
// error is non-nil when the stream ended with an error event.
func Collect(events <-chan Event) (string, error) {
	var answer []byte
	var err error
	for ev := range events {
		switch ev.Type {
		case EventToken:
			answer = append(answer, ev.Content...)
		case EventError:
			err = &StreamError{Msg: ev.Msg}
		}
	}
	return string(answer), err
}

// StreamError is the error carried by an error event.
type StreamError struct {
	Msg string
}

func (e *StreamError) Error() string { return e.Msg }

// emitter sends events unless the consumer has gone away.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (em emitter) send(ev Event) bool {
	select {
	case em.ch <- ev:
		return true
	case <-em.ctx.Done():
		return false
	}
}

func (em emitter) status(msg string) bool { return em.send(Event{Type: EventStatus, Msg: msg}) }
