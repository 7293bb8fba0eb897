package transport

import (
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
	"github.com/ajitpratap0/nebula-connector/pkg/packet"
)

// DefaultCallTimeout is the age at which an unanswered call times out.
const DefaultCallTimeout = 5 * time.Minute

// Callback receives the reply to a correlated packet. err is set when the
// reply carried an error, the call timed out or the transport closed.
type Callback func(args json.RawMessage, err error)

type pendingCall struct {
	cb      Callback
	created time.Time
}

// Table is the correlation table of calls awaiting a reply. Every callback
// fires at most once: an entry is removed under the lock before its callback
// runs.
type Table struct {
	mu      sync.Mutex
	entries map[string]pendingCall
	timeout time.Duration
	now     func() time.Time
}

// NewTable creates a table whose entries time out after timeout.
func NewTable(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Table{
		entries: make(map[string]pendingCall),
		timeout: timeout,
		now:     time.Now,
	}
}

// Register stores cb under key.
func (t *Table) Register(key string, cb Callback) error {
	if key == "" {
		return errors.New(errors.ErrorTypeValidation, "correlation key is required")
	}
	if cb == nil {
		return errors.New(errors.ErrorTypeValidation, "callback is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return errors.Newf(errors.ErrorTypeValidation, "correlation key %q already pending", key)
	}
	t.entries[key] = pendingCall{cb: cb, created: t.now()}
	metrics.PendingCalls.Set(float64(len(t.entries)))
	return nil
}

// Attach registers cb under key, defaulting to the packet id, and returns the
// packet bound to that correlation key.
func (t *Table) Attach(p packet.Packet, key string, cb Callback) (packet.Packet, error) {
	if key == "" {
		key = p.ID()
	}
	if err := t.Register(key, cb); err != nil {
		return packet.Packet{}, err
	}
	return p.WithCorrelation(key), nil
}

// Resolve removes the entry under key and invokes its callback. It reports
// false when no entry was pending.
func (t *Table) Resolve(key string, args json.RawMessage, err error) bool {
	cb, ok := t.take(key)
	if !ok {
		return false
	}
	cb(args, err)
	return true
}

// Cancel removes the entry under key without invoking its callback.
func (t *Table) Cancel(key string) bool {
	_, ok := t.take(key)
	return ok
}

func (t *Table) take(key string) (Callback, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	metrics.PendingCalls.Set(float64(len(t.entries)))
	return entry.cb, true
}

// Sweep resolves every entry at least timeout old at now with a timeout
// error and returns how many expired.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []Callback
	for key, entry := range t.entries {
		if now.Sub(entry.created) >= t.timeout {
			expired = append(expired, entry.cb)
			delete(t.entries, key)
		}
	}
	metrics.PendingCalls.Set(float64(len(t.entries)))
	t.mu.Unlock()

	for _, cb := range expired {
		metrics.CallTimeouts.Inc()
		cb(nil, errors.Newf(errors.ErrorTypeTimeout, "no reply within %s", t.timeout))
	}
	return len(expired)
}

// FailAll resolves every pending entry with err.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]pendingCall)
	metrics.PendingCalls.Set(0)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.cb(nil, err)
	}
	return len(entries)
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
