package devtools

import (
	"context"
	"time"
)

// Handler receives the events of one domain.
type Handler func(ctx context.Context, msg Message) error

// ResponseHandler receives the response to an AsyncRequest.
type ResponseHandler func(ctx context.Context, msg Message) error

// Transport is a request/response and event channel to one DevTools target.
// It is driven from a single goroutine: handlers and response callbacks run
// inside SyncRequest and DispatchNotifications.
type Transport interface {
	// SyncRequest sends a request and returns its response. Events and
	// async responses that arrive first are dispatched while waiting.
	SyncRequest(ctx context.Context, method string, params any) (Message, error)
	SendAndIgnoreResponse(ctx context.Context, method string, params any) error
	AsyncRequest(ctx context.Context, method string, params any, cb ResponseHandler) error
	// DispatchNotifications handles at most one inbound frame, waiting up to
	// timeout for it. It returns ErrTimeout when nothing arrives.
	DispatchNotifications(ctx context.Context, timeout time.Duration) error
	RegisterDomain(domain string, h Handler)
	UnregisterDomain(domain string)
	Close() error
}
