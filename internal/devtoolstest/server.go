// Package devtoolstest runs a scripted DevTools endpoint for tests: a /json
// listing and one websocket target that answers requests from registered
// handlers.
package devtoolstest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/loadlab/internal/devtools"
)

const TargetID = "page-1"

// Request is a command received by the server.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Event is pushed to the client after the reply it belongs to.
type Event struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Reply answers one request. A nil Result is sent as {}.
type Reply struct {
	Result any
	Error  *devtools.ProtocolError
	Events []Event
	// NoResponse suppresses the response frame; Events are still sent.
	NoResponse bool
}

type HandlerFunc func(Request) Reply

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	requests   []Request
	conn       *websocket.Conn
	writeMu    sync.Mutex
	listStatus int
}

func New() *Server {
	s := &Server{
		handlers:   make(map[string]HandlerFunc),
		listStatus: http.StatusOK,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Get("/json", s.handleList)
	r.Get("/json/list", s.handleList)
	r.Get("/devtools/page/{id}", s.handleTarget)
	s.srv = httptest.NewServer(r)
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.srv.Close()
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/page/" + TargetID
}

// SetListStatus makes /json answer with code and no body.
func (s *Server) SetListStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStatus = code
}

// Handle scripts the reply to method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult answers method with a fixed result.
func (s *Server) HandleResult(method string, result any, events ...Event) {
	s.Handle(method, func(Request) Reply { return Reply{Result: result, Events: events} })
}

// ServeStream serves data for IO.read calls on handle, chunkSize bytes at a
// time, and accepts IO.close. Reads after eof answer with an error.
func (s *Server) ServeStream(handle, data string, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	var chunks []string
	for len(data) > chunkSize {
		chunks = append(chunks, data[:chunkSize])
		data = data[chunkSize:]
	}
	chunks = append(chunks, data)
	next := 0

	s.Handle(devtools.IOReadMethod, func(req Request) Reply {
		var p struct {
			Handle string `json:"handle"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Handle != handle || next >= len(chunks) {
			return Reply{Error: &devtools.ProtocolError{Code: -32000, Message: "Invalid stream handle"}}
		}
		chunk := chunks[next]
		next++
		return Reply{Result: map[string]any{"data": chunk, "eof": next == len(chunks)}}
	})
	s.HandleResult(devtools.IOCloseMethod, nil)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Methods returns the method of every request received so far.
func (s *Server) Methods() []string {
	reqs := s.Requests()
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Method)
	}
	return out
}

// Push sends an event on the open target connection.
func (s *Server) Push(method string, params any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("devtoolstest: no client connected")
	}
	return s.write(conn, Event{Method: method, Params: params})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status := s.listStatus
	s.mu.Unlock()
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]devtools.Target{{
		ID:                   TargetID,
		Type:                 "page",
		Title:                "about:blank",
		URL:                  "about:blank",
		WebSocketDebuggerURL: s.WebSocketURL(),
	}})
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "id") != TargetID {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handlers[req.Method]
		s.mu.Unlock()

		reply := Reply{}
		if h != nil {
			reply = h(req)
		}
		if !reply.NoResponse {
			if err := s.write(conn, response(req.ID, reply)); err != nil {
				return
			}
		}
		for _, evt := range reply.Events {
			if err := s.write(conn, evt); err != nil {
				return
			}
		}
	}
}

func response(id int64, reply Reply) map[string]any {
	if reply.Error != nil {
		return map[string]any{"id": id, "error": reply.Error}
	}
	result := reply.Result
	if result == nil {
		result = map[string]any{}
	}
	return map[string]any{"id": id, "result": result}
}

func (s *Server) write(conn *websocket.Conn, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(payload)
}
