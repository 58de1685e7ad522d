package sampleresults

import (
	"context"
	"sync"
	"time"
)

// Operator-facing message texts.
const (
	MsgPleaseConfirm    = "Please Confirm"
	MsgMissingMappings  = "Missing mappings with PimaCOVID System, contact IT/Section Manager"
	MsgMappingGap       = "Answer has not been maaped on LIS settings, contact IT/Section Manager"
	MsgNoResult         = "No coded result available to send, contact IT/Section Manager"
	MsgNoExternalLink   = "Sample is not linked to the PimaCOVID System"
	MsgDispatchFailed   = "Sending to PimaCOVID System failed, it will be retried"
	MsgStatusFailed     = "Sample status could not be updated, try again"
	MsgDispatchInFlight = "Results are already being sent"

	MsgDispatchAwaitingRetry = "A previous send of these results is awaiting retry"

	// GlobalKey addresses the message shown above the whole sample list.
	GlobalKey = "*"

	DefaultMessageTTL = 2000 * time.Millisecond
)

// MessageBus holds short-lived operator messages keyed by sample id or
// GlobalKey. A ttl <= 0 keeps the message until it is replaced or cleared.
type MessageBus interface {
	Set(ctx context.Context, key, text string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Clear(ctx context.Context, key string) error
}

// TransientMessageBus is the in-process MessageBus. Each key owns at most one
// pending clear: replacing a message stops the previous timer, so an older
// timer can never wipe a newer message.
type TransientMessageBus struct {
	mu      sync.Mutex
	entries map[string]*transientMessage
	seq     uint64
}

type transientMessage struct {
	text  string
	timer *time.Timer
	seq   uint64
}

func NewTransientMessageBus() *TransientMessageBus {
	return &TransientMessageBus{entries: make(map[string]*transientMessage)}
}

func (b *TransientMessageBus) Set(_ context.Context, key, text string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.entries[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	b.seq++
	msg := &transientMessage{text: text, seq: b.seq}
	if ttl > 0 {
		seq := msg.seq
		msg.timer = time.AfterFunc(ttl, func() { b.expire(key, seq) })
	}
	b.entries[key] = msg
	return nil
}

func (b *TransientMessageBus) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := b.entries[key]; ok {
		return msg.text, nil
	}
	return "", nil
}

func (b *TransientMessageBus) Clear(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := b.entries[key]; ok {
		if msg.timer != nil {
			msg.timer.Stop()
		}
		delete(b.entries, key)
	}
	return nil
}

// Len returns the number of live messages.
func (b *TransientMessageBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close stops every pending clear and drops all messages.
func (b *TransientMessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, msg := range b.entries {
		if msg.timer != nil {
			msg.timer.Stop()
		}
		delete(b.entries, key)
	}
}

// expire removes key only if it still holds the message the timer was
// scheduled for. A timer that fired while Set was replacing it loses here.
func (b *TransientMessageBus) expire(key string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := b.entries[key]; ok && msg.seq == seq {
		delete(b.entries, key)
	}
}
