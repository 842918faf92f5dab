package recording

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/antoniostano/loadlab/internal/devtools"
)

// DefaultCategories are the trace categories recorded when a plan names none.
var DefaultCategories = []string{
	"blink",
	"blink.net",
	"devtools.timeline",
	"loading",
	"netlog",
	"toplevel",
	"disabled-by-default-devtools.timeline",
}

// TracingTrack collects the events delivered through Tracing.dataCollected.
type TracingTrack struct {
	categories []string

	mu     sync.Mutex
	events []json.RawMessage
}

func NewTracingTrack(categories []string) *TracingTrack {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	return &TracingTrack{categories: append([]string(nil), categories...)}
}

func (t *TracingTrack) Register(conn *devtools.Connection) error {
	return conn.RegisterListener(devtools.TracingDataMethod, t)
}

// Start asks the browser to trace into a stream that the connection drains
// at teardown.
func (t *TracingTrack) Start(ctx context.Context, conn *devtools.Connection) error {
	_, err := conn.SyncRequest(ctx, devtools.TracingStartMethod, map[string]any{
		"categories":   strings.Join(t.categories, ","),
		"transferMode": "ReturnAsStream",
	})
	return err
}

func (t *TracingTrack) Handle(_ context.Context, _ string, msg devtools.Message) error {
	var params struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := msg.DecodeParams(&params); err != nil {
		return err
	}
	t.mu.Lock()
	t.events = append(t.events, params.Value...)
	t.mu.Unlock()
	return nil
}

func (t *TracingTrack) Events() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.events...)
}

// NetworkEvent is one Network domain event, kept verbatim.
type NetworkEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NetworkTrack records every Network domain event.
type NetworkTrack struct {
	mu     sync.Mutex
	events []NetworkEvent
}

func NewNetworkTrack() *NetworkTrack { return &NetworkTrack{} }

func (t *NetworkTrack) Register(conn *devtools.Connection) error {
	return conn.RegisterListener("Network", t)
}

func (t *NetworkTrack) Handle(_ context.Context, method string, msg devtools.Message) error {
	t.mu.Lock()
	t.events = append(t.events, NetworkEvent{Method: method, Params: msg.Params})
	t.mu.Unlock()
	return nil
}

func (t *NetworkTrack) Events() []NetworkEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]NetworkEvent(nil), t.events...)
}

// PageTrack stops monitoring once the page fires its load event.
type PageTrack struct {
	conn *devtools.Connection

	mu     sync.Mutex
	loaded bool
}

func NewPageTrack() *PageTrack { return &PageTrack{} }

func (t *PageTrack) Register(conn *devtools.Connection) error {
	t.conn = conn
	return conn.RegisterListener("Page.loadEventFired", t)
}

func (t *PageTrack) Handle(context.Context, string, devtools.Message) error {
	t.mu.Lock()
	t.loaded = true
	t.mu.Unlock()
	if t.conn != nil {
		t.conn.StopMonitoring()
	}
	return nil
}

func (t *PageTrack) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}
