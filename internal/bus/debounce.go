package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid-fire messages from the same sender in the
// same chat into one inbound message before dispatch, so someone typing
// three short lines gets one agent run instead of three.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	msg   InboundMessage
	bodies []string
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer that flushes each sender's
// merged message after window of quiet.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*debounceEntry),
	}
}

// Push adds msg to the debounce buffer. Messages carrying media or
// commands bypass the window and flush immediately along with anything
// buffered for the same key.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 {
		d.flush(msg)
		return
	}

	key := msg.Channel + "|" + msg.SenderID + "|" + msg.ChatID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	entry, ok := d.pending[key]
	if !ok {
		entry = &debounceEntry{msg: msg, bodies: []string{msg.Content}}
		d.pending[key] = entry
		entry.timer = time.AfterFunc(d.window, func() { d.fire(key) })
		d.mu.Unlock()

		if len(msg.Media) > 0 || msg.Metadata["command"] != "" {
			d.fire(key)
		}
		return
	}

	// Merge into the buffered message and restart the quiet window.
	entry.bodies = append(entry.bodies, msg.Content)
	entry.msg.Content = strings.Join(entry.bodies, "\n")
	entry.msg.Media = append(entry.msg.Media, msg.Media...)
	if msg.Metadata != nil {
		if entry.msg.Metadata == nil {
			entry.msg.Metadata = make(map[string]string)
		}
		for k, v := range msg.Metadata {
			entry.msg.Metadata[k] = v
		}
	}
	entry.timer.Reset(d.window)
	hasMedia := len(entry.msg.Media) > 0
	d.mu.Unlock()

	if hasMedia || msg.Metadata["command"] != "" {
		d.fire(key)
	}
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		entry.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.flush(entry.msg)
	}
}

// Stop flushes nothing further; buffered messages are dropped.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}
