package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/logging"
)

// ErrClientGone is returned by a Sink whose client can no longer be written to.
var ErrClientGone = errors.New("client disconnected")

// Sink receives the scheduler's events, one at a time and never concurrently.
type Sink interface {
	Send(ctx context.Context, ev core.Event) error
}

// SinkFunc is a functional adapter to allow ordinary functions to be used as Sinks.
type SinkFunc func(ctx context.Context, ev core.Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev core.Event) error { return f(ctx, ev) }

// Options configure the sinks.
type Options struct {
	// Multi enables per-producer wire messages.
	Multi bool

	// WriteTimeout bounds each WebSocket frame write. Zero disables it.
	WriteTimeout time.Duration

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

func newOptions(optFns []func(o *Options)) Options {
	opts := Options{Logger: logging.NoOpLogger{}, WriteTimeout: 10 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return opts
}

// SSESink writes Server-Sent Events ("data: <json>\n\n") to an HTTP response.
type SSESink struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	enc  Encoder
	opts Options
}

// NewSSESink sets the event-stream headers on w and returns a sink writing to it.
func NewSSESink(w http.ResponseWriter, optFns ...func(o *Options)) *SSESink {
	opts := newOptions(optFns)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSESink{w: w, rc: http.NewResponseController(w), enc: Encoder{Multi: opts.Multi}, opts: opts}
}

// Send writes and flushes one event.
func (s *SSESink) Send(_ context.Context, ev core.Event) error {
	data, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.opts.Logger.Debug("SSE write failed", "error", err.Error())
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrClientGone, err)
	}
	return nil
}

// WebSocketSink writes one text frame per event.
type WebSocketSink struct {
	conn *websocket.Conn
	enc  Encoder
	opts Options
	mu   sync.Mutex
}

// NewWebSocketSink wraps an upgraded connection. The caller keeps ownership
// of conn and closes it.
func NewWebSocketSink(conn *websocket.Conn, optFns ...func(o *Options)) *WebSocketSink {
	opts := newOptions(optFns)
	return &WebSocketSink{conn: conn, enc: Encoder{Multi: opts.Multi}, opts: opts}
}

// Send writes one event frame.
func (s *WebSocketSink) Send(_ context.Context, ev core.Event) error {
	data, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.opts.Logger.Debug("WebSocket write failed", "error", err.Error())
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

// Close sends a normal closure frame.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Pump forwards events to sink in order until the channel closes. When the
// sink fails, cancel is called so the producers stop, the remaining events
// are drained and the sink error is returned. Pump returns the number of
// events handed to the sink.
func Pump(ctx context.Context, cancel context.CancelFunc, events <-chan core.Event, sink Sink) (int, error) {
	sent := 0
	for ev := range events {
		if err := sink.Send(ctx, ev); err != nil {
			cancel()
			for range events {
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}
