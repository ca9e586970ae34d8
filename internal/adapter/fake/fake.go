// Package fake provides an in-memory Relayer for tests.
package fake

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rover-control/relay/internal/adapter"
)

// Fault modes.
const (
	FaultNone        = ""
	FaultReject      = "Reject"
	FaultUnreachable = "Unreachable"
)

// Call is one recorded relay attempt. Payload is the JSON-roundtripped body so tests can
// inspect it the way the device would see it.
type Call struct {
	Path    string
	Payload map[string]any
	At      time.Time
}

// Adapter records every call and answers according to its fault mode.
type Adapter struct {
	mu        sync.Mutex
	calls     []Call
	faultMode string
	status    int
	body      string
	delay     time.Duration
	response  map[string]any

	// OnRelay, when set, runs after the call is recorded and before the answer.
	OnRelay func(call Call)
}

var _ adapter.Relayer = (*Adapter)(nil)

// New returns a fake that accepts everything.
func New() *Adapter {
	return &Adapter{response: map[string]any{"ok": true}}
}

// SetFault switches the fault mode. For FaultReject, status and body form the rejection.
func (f *Adapter) SetFault(mode string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultMode = mode
	f.status = status
	f.body = body
}

// SetDelay makes every call wait d or until its context ends.
func (f *Adapter) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Relay implements adapter.Relayer.
func (f *Adapter) Relay(ctx context.Context, path string, payload any) (map[string]any, error) {
	call := Call{Path: path, Payload: roundTrip(payload), At: time.Now()}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	mode, status, body, delay := f.faultMode, f.status, f.body, f.delay
	hook := f.OnRelay
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, adapter.Unreachable(path, ctx.Err())
		case <-time.After(delay):
		}
	}

	switch mode {
	case FaultReject:
		return nil, adapter.Rejected(path, status, body)
	case FaultUnreachable:
		return nil, adapter.Unreachable(path, context.DeadlineExceeded)
	}

	out := make(map[string]any, len(f.response))
	for k, v := range f.response {
		out[k] = v
	}
	return out, nil
}

// Calls returns a copy of all recorded calls.
func (f *Adapter) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls for path.
func (f *Adapter) CallsTo(path string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the recorded calls.
func (f *Adapter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func roundTrip(payload any) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
