package devtools_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/loadlab/internal/devtools"
	"github.com/antoniostano/loadlab/internal/devtoolstest"
)

func quiet() devtools.Option {
	return devtools.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetWebSocketURL(t *testing.T) {
	srv := devtoolstest.New()
	defer srv.Close()

	url, err := devtools.GetWebSocketURL(context.Background(), nil, srv.Host(), srv.Port())
	require.NoError(t, err)
	assert.Equal(t, srv.WebSocketURL(), url)
}

func TestGetWebSocketURLBadStatus(t *testing.T) {
	srv := devtoolstest.New()
	defer srv.Close()
	srv.SetListStatus(http.StatusNotFound)

	_, err := devtools.GetWebSocketURL(context.Background(), nil, srv.Host(), srv.Port())
	require.ErrorIs(t, err, devtools.ErrDiscovery)
	assert.Contains(t, err.Error(), "cannot connect to DevTools, response code 404")

	_, err = devtools.Dial(context.Background(), srv.Host(), srv.Port(), quiet(),
		devtools.WithConnectRetry(3, time.Millisecond, time.Millisecond))
	var derr *devtools.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusNotFound, derr.StatusCode)
}

func TestWebSocketTransportRequests(t *testing.T) {
	srv := devtoolstest.New()
	defer srv.Close()
	srv.HandleResult("Runtime.evaluate", map[string]any{"result": map[string]any{"type": "number", "value": 2}},
		devtoolstest.Event{Method: "Runtime.consoleAPICalled", Params: map[string]any{"type": "log"}})
	srv.Handle("Foo.bar", func(devtoolstest.Request) devtoolstest.Reply {
		return devtoolstest.Reply{Error: &devtools.ProtocolError{Code: -32601, Message: "'Foo.bar' wasn't found"}}
	})

	ctx := context.Background()
	tr, err := devtools.DialWebSocket(ctx, srv.WebSocketURL(), quiet())
	require.NoError(t, err)
	defer tr.Close()

	var events []string
	tr.RegisterDomain("Runtime", func(_ context.Context, msg devtools.Message) error {
		events = append(events, msg.Method)
		return nil
	})

	msg, err := tr.SyncRequest(ctx, "Runtime.evaluate", map[string]any{"expression": "1+1"})
	require.NoError(t, err)
	assert.True(t, msg.HasResult())

	require.NoError(t, tr.DispatchNotifications(ctx, time.Second))
	assert.Equal(t, []string{"Runtime.consoleAPICalled"}, events)

	msg, err = tr.SyncRequest(ctx, "Foo.bar", nil)
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)

	assert.ErrorIs(t, tr.DispatchNotifications(ctx, 20*time.Millisecond), devtools.ErrTimeout)

	var params map[string]any
	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, "1+1", params["expression"])
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)
}

func TestWebSocketTransportAsyncResponses(t *testing.T) {
	srv := devtoolstest.New()
	defer srv.Close()
	srv.HandleResult("Page.getLayoutMetrics", map[string]any{"contentSize": map[string]any{"width": 800}})

	ctx := context.Background()
	tr, err := devtools.DialWebSocket(ctx, srv.WebSocketURL(), quiet())
	require.NoError(t, err)
	defer tr.Close()

	var got []string
	require.NoError(t, tr.AsyncRequest(ctx, "Page.getLayoutMetrics", nil, func(_ context.Context, msg devtools.Message) error {
		got = append(got, string(msg.Result))
		return nil
	}))
	require.NoError(t, tr.SendAndIgnoreResponse(ctx, "Page.getLayoutMetrics", nil))

	// the async response is handled while the sync request waits
	_, err = tr.SyncRequest(ctx, "Page.enable", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"contentSize":{"width":800}}`, got[0])

	require.NoError(t, tr.Close())
	_, err = tr.SyncRequest(ctx, "Page.enable", nil)
	assert.ErrorIs(t, err, devtools.ErrConnectionClosed)
}

func TestDialAndMonitorWithTracingStream(t *testing.T) {
	srv := devtoolstest.New()
	defer srv.Close()
	srv.HandleResult("Page.navigate", map[string]any{"frameId": "f1"},
		devtoolstest.Event{Method: "Page.loadEventFired", Params: map[string]any{"timestamp": 1.5}})
	srv.HandleResult(devtools.TracingEndMethod, nil,
		devtoolstest.Event{Method: devtools.TracingCompleteEvent, Params: map[string]any{"stream": "trace-1"}})
	srv.ServeStream("trace-1", `{"traceEvents":[{"name":"a","cat":"blink"},{"name":"b","cat":"netlog"}]}`, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := devtools.Dial(ctx, srv.Host(), srv.Port(), quiet(), devtools.WithTracingTimeout(5*time.Second))
	require.NoError(t, err)
	defer conn.Close()

	var traced []string
	require.NoError(t, conn.RegisterListener(devtools.TracingDataMethod, devtools.ListenerFunc(
		func(_ context.Context, _ string, msg devtools.Message) error {
			var p struct {
				Value []struct {
					Name string `json:"name"`
				} `json:"value"`
			}
			if err := msg.DecodeParams(&p); err != nil {
				return err
			}
			for _, v := range p.Value {
				traced = append(traced, v.Name)
			}
			return nil
		})))
	require.NoError(t, conn.RegisterListener("Page.loadEventFired", devtools.ListenerFunc(
		func(context.Context, string, devtools.Message) error {
			conn.StopMonitoring()
			return nil
		})))

	require.NoError(t, conn.SetUpMonitoring(ctx))
	_, err = conn.SyncRequest(ctx, devtools.TracingStartMethod, map[string]any{"transferMode": "ReturnAsStream"})
	require.NoError(t, err)
	_, err = conn.SyncRequest(ctx, "Page.navigate", map[string]any{"url": "about:blank"})
	require.NoError(t, err)

	require.NoError(t, conn.StartMonitoring(ctx, 2*time.Second))
	assert.Equal(t, []string{"a", "b"}, traced)

	methods := srv.Methods()
	assert.Equal(t, []string{"Page.enable", devtools.TracingStartMethod, "Page.navigate", devtools.TracingEndMethod}, methods[:4])
	assert.Contains(t, methods, devtools.IOReadMethod)
	assert.Contains(t, methods, devtools.IOCloseMethod)
	assert.Equal(t, "Page.disable", methods[len(methods)-1])
}
