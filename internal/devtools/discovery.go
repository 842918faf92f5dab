package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/antoniostano/loadlab/internal/reliability"
)

// Target is one entry of the /json listing.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListTargets reads http://host:port/json.
func ListTargets(ctx context.Context, client *http.Client, host string, port int) ([]Target, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &DiscoveryError{StatusCode: resp.StatusCode}
	}
	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("%w: decode /json: %v", ErrDiscovery, err)
	}
	return targets, nil
}

// GetWebSocketURL returns the debugger URL of the first listed target.
func GetWebSocketURL(ctx context.Context, client *http.Client, host string, port int) (string, error) {
	targets, err := ListTargets(ctx, client, host, port)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 || targets[0].WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%w: no debuggable target on %s:%d", ErrDiscovery, host, port)
	}
	return targets[0].WebSocketDebuggerURL, nil
}

// Dial discovers the first target on host:port and opens a Connection to it.
// Discovery is retried while the endpoint refuses connections or answers
// with a retryable status.
func Dial(ctx context.Context, host string, port int, opts ...Option) (*Connection, error) {
	o := buildOptions(opts)
	var wsURL string
	err := reliability.Retry(ctx, o.retry, func(attempt int) error {
		u, err := GetWebSocketURL(ctx, o.httpClient, host, port)
		if err == nil {
			wsURL = u
			return nil
		}
		if !retryableDiscovery(err) {
			return reliability.Permanent(err)
		}
		o.logger.Warn("devtools discovery failed", "host", host, "port", port, "attempt", attempt+1, "error", err)
		return err
	})
	if err != nil {
		return nil, err
	}
	transport, err := DialWebSocket(ctx, wsURL, opts...)
	if err != nil {
		return nil, err
	}
	o.logger.Info("devtools connected", "url", wsURL)
	return NewConnection(transport, opts...), nil
}

func retryableDiscovery(err error) bool {
	var derr *DiscoveryError
	if errors.As(err, &derr) {
		return reliability.IsRetryableHTTPStatus(derr.StatusCode)
	}
	return reliability.IsRetryableNetError(err)
}
