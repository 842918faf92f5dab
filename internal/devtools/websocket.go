package devtools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/loadlab/internal/observability"
)

// WebSocketTransport speaks the DevTools protocol over a gorilla websocket.
// A reader goroutine feeds frames to whichever call is waiting for them.
type WebSocketTransport struct {
	conn           *websocket.Conn
	msgs           chan []byte
	errs           chan error
	done           chan struct{}
	logger         *slog.Logger
	metrics        *observability.Metrics
	writeTimeout   time.Duration
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]ResponseHandler
	domains map[string]Handler
	closed  bool
}

var _ Transport = (*WebSocketTransport)(nil)

// DialWebSocket connects to a webSocketDebuggerUrl.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocketTransport, error) {
	o := buildOptions(opts)
	conn, resp, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial devtools websocket %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial devtools websocket %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, opts...), nil
}

// NewWebSocketTransport takes ownership of conn.
func NewWebSocketTransport(conn *websocket.Conn, opts ...Option) *WebSocketTransport {
	o := buildOptions(opts)
	t := &WebSocketTransport{
		conn:           conn,
		msgs:           make(chan []byte, 256),
		errs:           make(chan error, 1),
		done:           make(chan struct{}),
		logger:         o.logger,
		metrics:        o.metrics,
		writeTimeout:   o.writeTimeout,
		requestTimeout: o.requestTimeout,
		pending:        make(map[int64]ResponseHandler),
		domains:        make(map[string]Handler),
	}
	go t.readLoop()
	return t
}

// readLoop reports its read error on errs before closing msgs.
func (t *WebSocketTransport) readLoop() {
	defer close(t.msgs)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.errs <- err
			return
		}
		select {
		case t.msgs <- data:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) SyncRequest(ctx context.Context, method string, params any) (Message, error) {
	if t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}
	id, err := t.send(method, params, nil, false)
	if err != nil {
		return Message{}, err
	}
	for {
		msg, err := t.next(ctx, 0)
		if err != nil {
			t.forget(id)
			return Message{}, fmt.Errorf("%s: %w", method, err)
		}
		if msg.IsResponse() && *msg.ID == id {
			return msg, nil
		}
		if err := t.handle(ctx, msg); err != nil {
			t.forget(id)
			return Message{}, err
		}
	}
}

func (t *WebSocketTransport) SendAndIgnoreResponse(_ context.Context, method string, params any) error {
	_, err := t.send(method, params, nil, true)
	return err
}

func (t *WebSocketTransport) AsyncRequest(_ context.Context, method string, params any, cb ResponseHandler) error {
	if cb == nil {
		return fmt.Errorf("%w: %s needs a response handler", ErrInvalidMethod, method)
	}
	_, err := t.send(method, params, cb, true)
	return err
}

func (t *WebSocketTransport) DispatchNotifications(ctx context.Context, timeout time.Duration) error {
	msg, err := t.next(ctx, timeout)
	if err != nil {
		return err
	}
	return t.handle(ctx, msg)
}

func (t *WebSocketTransport) RegisterDomain(domain string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains[domain] = h
}

func (t *WebSocketTransport) UnregisterDomain(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.domains, domain)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// send writes one request. With track set, the response is routed to cb, or
// dropped when cb is nil.
func (t *WebSocketTransport) send(method string, params any, cb ResponseHandler, track bool) (int64, error) {
	if method == "" {
		return 0, ErrInvalidMethod
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrConnectionClosed
	}
	t.nextID++
	id := t.nextID
	if track {
		t.pending[id] = cb
	}
	t.mu.Unlock()

	if err := t.writeJSON(Request{ID: id, Method: method, Params: params}); err != nil {
		t.forget(id)
		return 0, fmt.Errorf("send %s: %w", method, err)
	}
	t.metrics.ObserveFrame("sent", "request")
	t.logger.Debug("devtools request sent", "id", id, "method", method)
	return id, nil
}

func (t *WebSocketTransport) writeJSON(payload any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteJSON(payload)
}

func (t *WebSocketTransport) forget(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// next waits for one frame. A zero timeout waits until ctx is done. The read
// error is only looked at once msgs is closed, after every buffered frame.
func (t *WebSocketTransport) next(ctx context.Context, timeout time.Duration) (Message, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer:
		return Message{}, ErrTimeout
	case data, ok := <-t.msgs:
		if !ok {
			select {
			case err := <-t.errs:
				return Message{}, closedError(err)
			default:
			}
			return Message{}, ErrConnectionClosed
		}
		msg, err := ParseMessage(data)
		if err != nil {
			return Message{}, err
		}
		kind := "event"
		if msg.IsResponse() {
			kind = "response"
		}
		t.metrics.ObserveFrame("received", kind)
		t.logger.Debug("devtools frame received", "kind", kind, "method", msg.Method)
		return msg, nil
	}
}

func closedError(err error) error {
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrConnectionClosed
	}
	if errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

func (t *WebSocketTransport) handle(ctx context.Context, msg Message) error {
	if msg.IsResponse() {
		t.mu.Lock()
		cb, ok := t.pending[*msg.ID]
		delete(t.pending, *msg.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("devtools response dropped", "id", *msg.ID)
			return nil
		}
		if cb == nil {
			return nil
		}
		return cb(ctx, msg)
	}
	t.mu.Lock()
	h := t.domains[msg.Domain()]
	t.mu.Unlock()
	if h == nil {
		t.logger.Debug("devtools event dropped", "method", msg.Method)
		return nil
	}
	return h(ctx, msg)
}
