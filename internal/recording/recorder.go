package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antoniostano/loadlab/internal/devtools"
)

// Recording is what one page load left behind.
type Recording struct {
	Page          Page              `json:"page"`
	Loaded        bool              `json:"loaded"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      time.Duration     `json:"duration"`
	TraceEvents   []json.RawMessage `json:"-"`
	NetworkEvents []NetworkEvent    `json:"-"`
}

// PageRecorder records one page.
type PageRecorder interface {
	Record(ctx context.Context, page Page) (*Recording, error)
}

// DialFunc opens a fresh DevTools connection.
type DialFunc func(ctx context.Context) (*devtools.Connection, error)

type Recorder struct {
	dial       DialFunc
	categories []string
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type RecorderOption func(*Recorder)

func WithCategories(categories []string) RecorderOption {
	return func(r *Recorder) { r.categories = categories }
}

// WithMonitorTimeout bounds the wait for each event while the page loads.
func WithMonitorTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRecorder(dial DialFunc, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		dial:    dial,
		timeout: devtools.DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

var _ PageRecorder = (*Recorder)(nil)

// Record loads page on a new connection with tracing and network tracks
// attached, and returns what they collected once the session is torn down.
func (r *Recorder) Record(ctx context.Context, page Page) (rec *Recording, err error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, conn.Close())
	}()

	tracing := NewTracingTrack(r.categories)
	network := NewNetworkTrack()
	pageTrack := NewPageTrack()
	for _, register := range []func(*devtools.Connection) error{tracing.Register, network.Register, pageTrack.Register} {
		if err := register(conn); err != nil {
			return nil, err
		}
	}
	if page.DisableCache {
		if err := conn.SetScopedState("Network.setCacheDisabled",
			map[string]any{"cacheDisabled": true},
			map[string]any{"cacheDisabled": false}, true); err != nil {
			return nil, err
		}
	}

	started := r.now()
	if err := conn.SetUpMonitoring(ctx); err != nil {
		return nil, fmt.Errorf("set up monitoring for %s: %w", page.Name, err)
	}
	if err := tracing.Start(ctx, conn); err != nil {
		return nil, fmt.Errorf("start tracing for %s: %w", page.Name, err)
	}
	if _, err := conn.SyncRequest(ctx, "Page.navigate", map[string]any{"url": page.URL}); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", page.URL, err)
	}
	r.logger.Info("recording page", "page", page.Name, "url", page.URL)
	if err := conn.StartMonitoring(ctx, r.timeout); err != nil {
		return nil, fmt.Errorf("monitor %s: %w", page.Name, err)
	}

	rec = &Recording{
		Page:          page,
		Loaded:        pageTrack.Loaded(),
		StartedAt:     started.UTC(),
		Duration:      r.now().Sub(started),
		TraceEvents:   tracing.Events(),
		NetworkEvents: network.Events(),
	}
	if !rec.Loaded {
		r.logger.Warn("page never fired its load event", "page", page.Name)
	}
	return rec, nil
}
