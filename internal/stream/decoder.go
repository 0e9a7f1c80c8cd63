// Package stream decodes a raw HTTP/1.1 server-sent-event response into
// content fragments.
//
// Transition is a pure function over one complete line. Decoder wraps it
// with a partial-line buffer so bytes can arrive in chunks of any size.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"EdgeChat/internal/backend"
	chaterrors "EdgeChat/internal/errors"
)

const (
	statusPrefix = "HTTP/"
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Phase is the position of the decoder within a response
type Phase int

const (
	PhaseStatusLine Phase = iota
	PhaseHeaders
	PhaseBody
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStatusLine:
		return "status-line"
	case PhaseHeaders:
		return "headers"
	case PhaseBody:
		return "body"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further line can change the phase
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// State is the line-level decoder state
type State struct {
	Phase      Phase
	StatusCode int
	Err        error
}

// EventKind identifies what a transition emitted
type EventKind int

const (
	EventFragment EventKind = iota
	EventDone
	EventFailed
)

// Event is emitted by Transition
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Transition consumes one line (terminator already removed) and returns the
// next state together with any events it produced.
func Transition(s State, line string) (State, []Event) {
	switch s.Phase {
	case PhaseStatusLine:
		code, err := parseStatusLine(line)
		if err != nil {
			return fail(s, err)
		}
		s.StatusCode = code
		s.Phase = PhaseHeaders
		return s, nil

	case PhaseHeaders:
		if line != "" {
			return s, nil
		}
		if s.StatusCode != http.StatusOK {
			return fail(s, &chaterrors.StatusError{Code: s.StatusCode})
		}
		s.Phase = PhaseBody
		return s, nil

	case PhaseBody:
		payload, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			return s, nil
		}
		payload = strings.TrimPrefix(payload, " ")
		if payload == doneSentinel {
			s.Phase = PhaseDone
			return s, []Event{{Kind: EventDone}}
		}
		var chunk backend.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return s, nil
		}
		content, ok := chunk.DeltaContent()
		if !ok {
			return s, nil
		}
		return s, []Event{{Kind: EventFragment, Text: content}}
	}

	return s, nil
}

func fail(s State, err error) (State, []Event) {
	s.Phase = PhaseFailed
	s.Err = err
	return s, []Event{{Kind: EventFailed, Err: err}}
}

func parseStatusLine(line string) (int, error) {
	if !strings.HasPrefix(line, statusPrefix) {
		return 0, fmt.Errorf("%w: unexpected status line %q", chaterrors.ErrProtocol, line)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: status line %q has no code", chaterrors.ErrProtocol, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid status code %q", chaterrors.ErrProtocol, fields[1])
	}
	return code, nil
}

// FragmentFunc receives each content fragment as soon as it is decoded
type FragmentFunc func(text string)

// Decoder turns raw response bytes into fragments. It is scoped to a single
// exchange and must not be reused.
type Decoder struct {
	state      State
	partial    []byte
	text       strings.Builder
	onFragment FragmentFunc
}

// NewDecoder creates a decoder; onFragment may be nil
func NewDecoder(onFragment FragmentFunc) *Decoder {
	return &Decoder{onFragment: onFragment}
}

// Write feeds response bytes. Complete lines are processed immediately and
// fragments are delivered before Write returns; a trailing partial line is
// kept until its terminator arrives. Bytes received after a terminal phase
// are discarded. Write never returns an error; inspect Err instead.
func (d *Decoder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 && !d.state.Phase.Terminal() {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.partial = append(d.partial, p...)
			break
		}
		var line string
		if len(d.partial) > 0 {
			d.partial = append(d.partial, p[:i]...)
			line = string(d.partial)
			d.partial = d.partial[:0]
		} else {
			line = string(p[:i])
		}
		p = p[i+1:]
		d.processLine(strings.TrimSuffix(line, "\r"))
	}
	return n, nil
}

func (d *Decoder) processLine(line string) {
	var events []Event
	d.state, events = Transition(d.state, line)
	for _, ev := range events {
		if ev.Kind != EventFragment {
			continue
		}
		d.text.WriteString(ev.Text)
		if d.onFragment != nil {
			d.onFragment(ev.Text)
		}
	}
}

// Close signals that no more bytes will arrive. A stream that has not seen
// the completion sentinel fails with ErrIncompleteStream and its partial
// text is discarded.
func (d *Decoder) Close() error {
	if !d.state.Phase.Terminal() {
		d.fail(chaterrors.ErrIncompleteStream)
	}
	return nil
}

// Abort fails the decoder with the given cause unless it already finished
func (d *Decoder) Abort(err error) {
	if !d.state.Phase.Terminal() {
		d.fail(err)
	}
}

func (d *Decoder) fail(err error) {
	d.state.Phase = PhaseFailed
	d.state.Err = err
	d.text.Reset()
}

// Phase returns the current phase
func (d *Decoder) Phase() Phase {
	return d.state.Phase
}

// Done reports whether the completion sentinel was seen
func (d *Decoder) Done() bool {
	return d.state.Phase == PhaseDone
}

// StatusCode returns the parsed HTTP status, or 0 before the status line
func (d *Decoder) StatusCode() int {
	return d.state.StatusCode
}

// Err returns the failure cause once the decoder has failed
func (d *Decoder) Err() error {
	return d.state.Err
}

// Text returns the accumulated response text. It is empty after a failure.
func (d *Decoder) Text() string {
	if d.state.Phase == PhaseFailed {
		return ""
	}
	return d.text.String()
}
