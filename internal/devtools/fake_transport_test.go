package devtools

import (
	"context"
	"encoding/json"
	"time"
)

type queued struct {
	msg Message
	cb  ResponseHandler
}

type call struct {
	Method string
	Params any
}

// fakeTransport answers requests from scripted functions and queues events
// and async responses for DispatchNotifications.
type fakeTransport struct {
	sync    map[string]func(params any) Message
	async   map[string]func(params any) Message
	calls   []call
	ignored []string
	queue   []queued
	domains map[string]Handler
	closed  bool
	nextID  int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sync:    make(map[string]func(any) Message),
		async:   make(map[string]func(any) Message),
		domains: make(map[string]Handler),
	}
}

func (f *fakeTransport) id() *int64 {
	f.nextID++
	id := f.nextID
	return &id
}

func result(raw string) Message { return Message{Result: json.RawMessage(raw)} }

func protocolErr(msg string) Message {
	return Message{Error: &ProtocolError{Code: -32000, Message: msg}}
}

func event(method, params string) Message {
	return Message{Method: method, Params: json.RawMessage(params)}
}

func (f *fakeTransport) push(msgs ...Message) {
	for _, m := range msgs {
		f.queue = append(f.queue, queued{msg: m})
	}
}

func (f *fakeTransport) SyncRequest(ctx context.Context, method string, params any) (Message, error) {
	if f.closed {
		return Message{}, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	f.calls = append(f.calls, call{Method: method, Params: params})
	msg := result(`{}`)
	if fn, ok := f.sync[method]; ok {
		msg = fn(params)
	}
	msg.ID = f.id()
	return msg, nil
}

func (f *fakeTransport) SendAndIgnoreResponse(_ context.Context, method string, _ any) error {
	f.ignored = append(f.ignored, method)
	return nil
}

func (f *fakeTransport) AsyncRequest(_ context.Context, method string, params any, cb ResponseHandler) error {
	f.calls = append(f.calls, call{Method: method, Params: params})
	msg := result(`{}`)
	if fn, ok := f.async[method]; ok {
		msg = fn(params)
	}
	msg.ID = f.id()
	f.queue = append(f.queue, queued{msg: msg, cb: cb})
	return nil
}

func (f *fakeTransport) DispatchNotifications(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.queue) == 0 {
		return ErrTimeout
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	if next.cb != nil {
		return next.cb(ctx, next.msg)
	}
	if h := f.domains[next.msg.Domain()]; h != nil {
		return h(ctx, next.msg)
	}
	return nil
}

func (f *fakeTransport) RegisterDomain(domain string, h Handler) { f.domains[domain] = h }

func (f *fakeTransport) UnregisterDomain(domain string) { delete(f.domains, domain) }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) methods() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

// serveChunks scripts IO.read to return chunks in order, the last one with
// eof set. Reads past the end answer with an error.
func (f *fakeTransport) serveChunks(chunks ...string) {
	next := 0
	f.async[IOReadMethod] = func(any) Message {
		if next >= len(chunks) {
			return protocolErr("Invalid stream handle")
		}
		chunk := chunks[next]
		next++
		raw, _ := json.Marshal(map[string]any{"data": chunk, "eof": next == len(chunks)})
		return Message{Result: raw}
	}
}

func (f *fakeTransport) drain(ctx context.Context) error {
	for {
		err := f.DispatchNotifications(ctx, 0)
		if err == ErrTimeout {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
