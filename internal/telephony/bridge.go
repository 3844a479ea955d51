// Package telephony runs interviews over a phone call using Twilio <Gather>
// speech recognition and <Say> playback.
package telephony

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/career-interview/internal/tts"
)

// Bridge is the speech capture and output of one phone call.
type Bridge struct {
	Output  *Output
	Capture *Capture
}

func NewBridge() *Bridge {
	return &Bridge{Output: newOutput(), Capture: newCapture()}
}

// Close releases any blocked Speak and ends the transcript stream.
func (b *Bridge) Close() {
	b.Output.Stop()
	b.Capture.close()
}

// utterance is one reply waiting to be handed to Twilio.
type utterance struct {
	text      string
	delivered chan struct{}
}

// Output queues replies until a webhook response carries them to Twilio as
// <Say>. A reply counts as played once it has been handed over.
type Output struct {
	mu      sync.Mutex
	pending []*utterance
	waiting int
	notify  chan struct{}
	stop    chan struct{}
}

func newOutput() *Output {
	return &Output{notify: make(chan struct{}, 1), stop: make(chan struct{})}
}

// Speak queues text and blocks until a webhook response has taken it.
func (o *Output) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	u := &utterance{text: text, delivered: make(chan struct{})}
	o.mu.Lock()
	o.pending = append(o.pending, u)
	o.waiting++
	stop := o.stop
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.waiting--
		o.mu.Unlock()
	}()

	select {
	case o.notify <- struct{}{}:
	default:
	}

	select {
	case <-u.delivered:
		return nil
	case <-stop:
		return fmt.Errorf("telephony: %w", tts.ErrInterrupted)
	case <-ctx.Done():
		o.drop(u)
		return ctx.Err()
	}
}

// Stop discards queued speech and releases every blocked Speak.
func (o *Output) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
	close(o.stop)
	o.stop = make(chan struct{})
}

func (o *Output) IsSpeaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waiting > 0
}

// Collect hands queued speech to the caller. It returns once nothing is
// queued, resting reports true and either something was said or quiet has
// passed; or when maxWait runs out.
func (o *Output) Collect(ctx context.Context, maxWait, quiet time.Duration, resting func() bool) []string {
	var out []string
	start := time.Now()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		out = append(out, o.take()...)
		if o.queued() == 0 && resting() && (len(out) > 0 || time.Since(start) >= quiet) {
			return out
		}
		select {
		case <-ctx.Done():
			return out
		case <-deadline.C:
			return append(out, o.take()...)
		case <-o.notify:
		case <-ticker.C:
		}
	}
}

func (o *Output) take() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil
	}
	out := make([]string, 0, len(o.pending))
	for _, u := range o.pending {
		out = append(out, u.text)
		close(u.delivered)
	}
	o.pending = nil
	return out
}

func (o *Output) queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Output) drop(u *utterance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, p := range o.pending {
		if p == u {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

// Capture turns Gather speech results into a transcript.
type Capture struct {
	mu         sync.Mutex
	listening  bool
	transcript string
	updates    chan string
	closed     bool
}

func newCapture() *Capture {
	return &Capture{updates: make(chan string, 8)}
}

func (c *Capture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("telephony: capture closed")
	}
	c.listening = true
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()
	return nil
}

func (c *Capture) Reset() {
	c.mu.Lock()
	c.transcript = ""
	c.mu.Unlock()
}

func (c *Capture) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

func (c *Capture) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Capture) Updates() <-chan string { return c.updates }

// Hear records a Gather result as the transcript. It reports false while not listening.
func (c *Capture) Hear(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening || c.closed {
		return false
	}
	c.transcript = strings.TrimSpace(text)
	select {
	case c.updates <- c.transcript:
	default:
	}
	return true
}

func (c *Capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = false
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
}
