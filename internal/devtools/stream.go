package devtools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/antoniostano/loadlab/internal/observability"
)

// StreamReader reassembles an IO stream from chunked IO.read responses.
// One reader reads one stream, once.
type StreamReader struct {
	transport Transport
	handle    string
	metrics   *observability.Metrics
	chunkSize int

	started  bool
	data     *strings.Builder
	callback func(ctx context.Context, data string) error
}

func NewStreamReader(transport Transport, handle string, metrics *observability.Metrics) *StreamReader {
	return &StreamReader{
		transport: transport,
		handle:    handle,
		metrics:   metrics,
		chunkSize: StreamChunkSize,
	}
}

// Read starts reading and returns once the first two reads are queued. The
// callback runs with the whole payload from inside the transport's dispatch
// once the stream reports eof.
func (r *StreamReader) Read(ctx context.Context, callback func(ctx context.Context, data string) error) error {
	if r.started {
		return ErrAlreadyReading
	}
	r.started = true
	r.data = &strings.Builder{}
	r.callback = callback
	if err := r.readChunk(ctx); err != nil {
		return err
	}
	// one read ahead
	return r.readChunk(ctx)
}

func (r *StreamReader) readChunk(ctx context.Context) error {
	params := map[string]any{"handle": r.handle, "size": r.chunkSize}
	return r.transport.AsyncRequest(ctx, IOReadMethod, params, r.gotChunk)
}

func (r *StreamReader) gotChunk(ctx context.Context, msg Message) error {
	// reads queued ahead of eof or of a failure
	if r.data == nil {
		return nil
	}
	if msg.Error != nil {
		return r.fail("%s", msg.Error.Message)
	}
	var res ioReadResult
	if err := msg.DecodeResult(&res); err != nil {
		return r.fail("%v", err)
	}
	chunk := res.Data
	if res.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			return r.fail("bad base64 chunk: %v", err)
		}
		chunk = string(raw)
	}
	r.data.WriteString(chunk)
	r.metrics.AddStreamBytes(len(chunk))
	if !res.EOF {
		return r.readChunk(ctx)
	}

	if err := r.transport.SendAndIgnoreResponse(ctx, IOCloseMethod, map[string]any{"handle": r.handle}); err != nil {
		return fmt.Errorf("close stream %s: %w", r.handle, err)
	}
	payload := r.data.String()
	r.data = nil
	if r.callback == nil {
		return nil
	}
	return r.callback(ctx, payload)
}

// fail stops the reader so the read queued ahead is discarded.
func (r *StreamReader) fail(format string, args ...any) error {
	r.data = nil
	return connError(ErrStreamRead, "reading trace failed: "+format, args...)
}
