package devtools

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/loadlab/internal/observability"
	"github.com/antoniostano/loadlab/internal/reliability"
)

const (
	DefaultTimeout        = 10 * time.Second
	TracingTimeout        = 300 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultConnectAttempt = 3
	StreamChunkSize       = 32768
)

type options struct {
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracingTimeout time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	retry          reliability.RetryPolicy
}

// Option configures a Connection, a WebSocketTransport or Dial.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:         slog.Default(),
		tracingTimeout: TracingTimeout,
		writeTimeout:   DefaultWriteTimeout,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		retry: reliability.RetryPolicy{
			Attempts: DefaultConnectAttempt,
			Base:     250 * time.Millisecond,
			Cap:      2 * time.Second,
		},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracingTimeout bounds the dispatch loop that drains tracing data at
// teardown.
func WithTracingTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tracingTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithRequestTimeout bounds every SyncRequest. Zero waits until the context
// is done.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithConnectRetry sets how many times discovery is attempted and the
// backoff between attempts.
func WithConnectRetry(attempts int, base, capDur time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retry.Attempts = attempts
		}
		if base > 0 {
			o.retry.Base = base
		}
		if capDur > 0 {
			o.retry.Cap = capDur
		}
	}
}
