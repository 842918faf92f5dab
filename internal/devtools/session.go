package devtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antoniostano/loadlab/internal/observability"
)

// State is where a Connection is in its monitoring lifecycle.
type State string

const (
	StateCreated     State = "created"
	StateSetUp       State = "set_up"
	StateMonitoring  State = "monitoring"
	StateTearingDown State = "tearing_down"
	StateClosed      State = "closed"
)

// Listener receives the events routed to it by a Connection.
type Listener interface {
	Handle(ctx context.Context, method string, msg Message) error
}

type ListenerFunc func(ctx context.Context, method string, msg Message) error

func (f ListenerFunc) Handle(ctx context.Context, method string, msg Message) error {
	return f(ctx, method, msg)
}

type scopedState struct {
	method   string
	params   any
	defaults any
	key      string
}

// Connection is one monitoring session over a Transport. It owns the
// transport and its listener, domain and scoped-state tables. Everything
// except StopMonitoring runs on the caller's goroutine.
type Connection struct {
	transport      Transport
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracingTimeout time.Duration
	requestTimeout time.Duration

	methodListeners map[string]Listener
	domainListeners map[string]Listener
	domains         []string
	domainSet       map[string]bool
	scoped          []scopedState
	scopedIndex     map[string]int

	state              State
	tearingDownTracing bool
	pleaseStop         atomic.Bool
	closed             bool
}

func NewConnection(transport Transport, opts ...Option) *Connection {
	o := buildOptions(opts)
	c := &Connection{
		transport:      transport,
		logger:         o.logger,
		metrics:        o.metrics,
		tracingTimeout: o.tracingTimeout,
		requestTimeout: o.requestTimeout,
		state:          StateCreated,
	}
	c.reset()
	return c
}

func (c *Connection) reset() {
	c.methodListeners = make(map[string]Listener)
	c.domainListeners = make(map[string]Listener)
	c.domains = nil
	c.domainSet = make(map[string]bool)
	c.scoped = nil
	c.scopedIndex = make(map[string]int)
}

func (c *Connection) State() State { return c.state }

// Domains lists the domains queued for enable, in registration order.
func (c *Connection) Domains() []string {
	return append([]string(nil), c.domains...)
}

func (c *Connection) addDomain(domain string) {
	if c.domainSet[domain] {
		return
	}
	c.domainSet[domain] = true
	c.domains = append(c.domains, domain)
}

// RegisterListener routes events to l. A name with a dot ("Network.loadingFinished")
// is an event name; anything else is a domain. The domain is enabled at setup
// either way. A later registration under the same name replaces the listener.
func (c *Connection) RegisterListener(name string, l Listener) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: listener name %q", ErrInvalidMethod, name)
	}
	if l == nil {
		return fmt.Errorf("%w: nil listener for %q", ErrInvalidMethod, name)
	}
	if strings.Contains(name, ".") {
		c.methodListeners[name] = l
	} else {
		c.domainListeners[name] = l
	}
	c.addDomain(DomainOf(name))
	return nil
}

// UnregisterListener removes the listener registered under name. The
// domain stays queued.
func (c *Connection) UnregisterListener(name string) error {
	if _, ok := c.methodListeners[name]; ok {
		delete(c.methodListeners, name)
		return nil
	}
	if _, ok := c.domainListeners[name]; ok {
		delete(c.domainListeners, name)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownListener, name)
}

// SetScopedState calls method with params at setup and with defaultParams at
// teardown. Registering the same method again is a no-op when both parameter
// sets match and ErrScopedStateConflict otherwise.
func (c *Connection) SetScopedState(method string, params, defaultParams any, enableDomain bool) error {
	if !strings.Contains(method, ".") || strings.HasPrefix(method, ".") {
		return fmt.Errorf("%w: %q is not Domain.method", ErrInvalidMethod, method)
	}
	key, err := scopedKey(params, defaultParams)
	if err != nil {
		return fmt.Errorf("scoped state %s: %w", method, err)
	}
	if i, ok := c.scopedIndex[method]; ok {
		if c.scoped[i].key != key {
			return connError(ErrScopedStateConflict, "%s already scoped with different parameters", method)
		}
		return nil
	}
	if enableDomain {
		c.addDomain(DomainOf(method))
	}
	c.scopedIndex[method] = len(c.scoped)
	c.scoped = append(c.scoped, scopedState{method: method, params: params, defaults: defaultParams, key: key})
	return nil
}

// scopedKey renders both parameter sets as canonical JSON, so maps and
// structs with the same fields compare equal.
func scopedKey(params, defaults any) (string, error) {
	a, err := canonicalJSON(params)
	if err != nil {
		return "", err
	}
	b, err := canonicalJSON(defaults)
	if err != nil {
		return "", err
	}
	return a + "\x00" + b, nil
}

func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

// SyncRequest sends method and waits for its response. A response carrying
// an error is returned along with a *ProtocolError.
func (c *Connection) SyncRequest(ctx context.Context, method string, params any) (Message, error) {
	if c.closed {
		return Message{}, ErrConnectionClosed
	}
	msg, err := c.transport.SyncRequest(ctx, method, params)
	if err != nil {
		return Message{}, err
	}
	if msg.Error != nil {
		c.metrics.ObserveRequestError(method)
		perr := *msg.Error
		perr.Method = method
		return msg, &perr
	}
	return msg, nil
}

func (c *Connection) SendAndIgnoreResponse(ctx context.Context, method string, params any) error {
	if c.closed {
		return ErrConnectionClosed
	}
	return c.transport.SendAndIgnoreResponse(ctx, method, params)
}

// SyncRequestNoResponse is SyncRequest for commands that answer with an
// empty result.
func (c *Connection) SyncRequestNoResponse(ctx context.Context, method string, params any) error {
	msg, err := c.SyncRequest(ctx, method, params)
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return fmt.Errorf("%w for %s: %w", ErrUnexpectedResponse, method, perr)
	}
	if err != nil {
		return err
	}
	if msg.HasResult() {
		return fmt.Errorf("%w for %s: %s", ErrUnexpectedResponse, method, string(msg.Result))
	}
	return nil
}

// ClearCache clears the browser cache, failing when the browser cannot.
func (c *Connection) ClearCache(ctx context.Context) error {
	msg, err := c.SyncRequest(ctx, "Network.canClearBrowserCache", nil)
	if err != nil {
		return err
	}
	var res struct {
		Result bool `json:"result"`
	}
	if err := msg.DecodeResult(&res); err != nil {
		return err
	}
	if !res.Result {
		return fmt.Errorf("%w: cache clearing is not supported by this browser", ErrUnexpectedResponse)
	}
	_, err = c.SyncRequest(ctx, "Network.clearBrowserCache", nil)
	return err
}

// SetUpMonitoring subscribes every queued domain, enables all but Tracing
// and applies the scoped states. The first failure is returned as is;
// whatever was already enabled stays enabled.
func (c *Connection) SetUpMonitoring(ctx context.Context) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.state != StateCreated && c.state != StateClosed {
		return connError(ErrInvalidState, "set up monitoring in state %s", c.state)
	}
	for _, domain := range c.domains {
		c.transport.RegisterDomain(domain, c.onDataReceived)
		if domain == TracingDomain {
			// the tracing track starts tracing itself
			continue
		}
		if err := c.SyncRequestNoResponse(ctx, domain+".enable", nil); err != nil {
			return err
		}
	}
	for _, s := range c.scoped {
		if err := c.SyncRequestNoResponse(ctx, s.method, s.params); err != nil {
			return err
		}
	}
	c.tearingDownTracing = false
	c.state = StateSetUp
	return nil
}

// StartMonitoring dispatches events until StopMonitoring is called or no
// event arrives within timeout, then tears the session down. Teardown still
// runs when ctx is cancelled, bounded by the tracing and request timeouts.
func (c *Connection) StartMonitoring(ctx context.Context, timeout time.Duration) error {
	if c.state != StateSetUp {
		return ErrNotSetUp
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.state = StateMonitoring
	err := c.dispatch(ctx, "Monitoring", timeout)
	return errors.Join(err, c.tearDown(ctx))
}

// StopMonitoring asks the dispatch loop to exit before its next wait. It is
// safe to call from any goroutine.
func (c *Connection) StopMonitoring() {
	c.pleaseStop.Store(true)
}

func (c *Connection) dispatch(ctx context.Context, kind string, timeout time.Duration) error {
	c.pleaseStop.Store(false)
	for !c.pleaseStop.Load() {
		err := c.transport.DispatchNotifications(ctx, timeout)
		if errors.Is(err, ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
	}
	if !c.pleaseStop.Load() {
		c.logger.Warn(kind + " stopped on a timeout")
	}
	return nil
}

func (c *Connection) tearDown(parent context.Context) error {
	grace := c.requestTimeout
	if grace <= 0 {
		grace = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.tracingTimeout+grace)
	defer cancel()

	c.state = StateTearingDown
	var errs []error
	if c.domainSet[TracingDomain] {
		c.logger.Info("Fetching tracing")
		if err := c.SyncRequestNoResponse(ctx, TracingEndMethod, nil); err != nil {
			errs = append(errs, err)
		} else {
			c.tearingDownTracing = true
			if err := c.dispatch(ctx, "Tracing", c.tracingTimeout); err != nil {
				errs = append(errs, err)
			}
			c.tearingDownTracing = false
		}
	}
	for _, s := range c.scoped {
		if err := c.SyncRequestNoResponse(ctx, s.method, s.defaults); err != nil {
			errs = append(errs, err)
		}
	}
	var perr *ProtocolError
	for _, domain := range c.domains {
		if domain != TracingDomain {
			if _, err := c.SyncRequest(ctx, domain+".disable", nil); err != nil && !errors.As(err, &perr) {
				errs = append(errs, err)
			}
		}
		c.transport.UnregisterDomain(domain)
	}
	c.reset()
	c.state = StateClosed
	return errors.Join(errs...)
}

func (c *Connection) onDataReceived(ctx context.Context, msg Message) error {
	if msg.Method == "" {
		return connError(ErrMalformedMessage, "%s", msg.String())
	}
	method := msg.Method
	if c.tearingDownTracing && method == TracingCompleteEvent {
		var p tracingCompleteParams
		if err := msg.DecodeParams(&p); err != nil {
			return err
		}
		if p.Stream != "" {
			return NewStreamReader(c.transport, p.Stream, c.metrics).Read(ctx, c.tracingStreamDone)
		}
		c.tearingDownTracing = false
		c.StopMonitoring()
	}
	if l, ok := c.methodListeners[method]; ok {
		if err := l.Handle(ctx, method, msg); err != nil {
			return err
		}
	}
	if l, ok := c.domainListeners[DomainOf(method)]; ok {
		if err := l.Handle(ctx, method, msg); err != nil {
			return err
		}
	}
	return nil
}

// tracingStreamDone replays a streamed trace as dataCollected events, one
// trace event each.
func (c *Connection) tracingStreamDone(ctx context.Context, data string) error {
	events, err := decodeTraceEvents([]byte(data))
	if err != nil {
		return connError(ErrMalformedMessage, "tracing stream: %v", err)
	}
	for _, evt := range events {
		msg, err := Event(TracingDataMethod, map[string]any{"value": []json.RawMessage{evt}})
		if err != nil {
			return err
		}
		if err := c.onDataReceived(ctx, msg); err != nil {
			return err
		}
		if c.pleaseStop.Load() {
			break
		}
	}
	c.tearingDownTracing = false
	c.StopMonitoring()
	return nil
}

// decodeTraceEvents accepts the JSON array format and the object format
// with a traceEvents field.
func decodeTraceEvents(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var obj struct {
		TraceEvents []json.RawMessage `json:"traceEvents"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj.TraceEvents, nil
}

// Close closes the transport. The connection cannot be used afterwards.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = StateClosed
	return c.transport.Close()
}
