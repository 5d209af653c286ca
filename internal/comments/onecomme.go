// Package comments connects to a OneComme relay over its WebSocket
// subscription API and forwards viewer comments to the event queue.
//
// OneComme multiplexes comments from every streaming platform it supports
// behind a single local endpoint (ws://host:port/sub), so this listener does
// not need to know anything platform-specific. The connection is maintained
// for the lifetime of the process: on any read or dial error the listener
// reconnects with exponential backoff.
package comments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// readLimit bounds a single relay message. Comment batches are small;
	// anything bigger is a protocol error.
	readLimit = 1 << 20
)

// Sink receives each accepted comment. Implementations must not block for
// long; the listener calls it inline on the read loop.
type Sink func(text, author string)

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) { l.log = log }
}

// WithReconnectHook registers a callback invoked once per reconnect attempt,
// before the backoff sleep. Used to feed the reconnect counter.
func WithReconnectHook(fn func()) Option {
	return func(l *Listener) { l.onReconnect = fn }
}

// Listener maintains a subscription to a OneComme relay.
type Listener struct {
	url         string
	sink        Sink
	log         *slog.Logger
	onReconnect func()
}

// NewListener creates a listener for the relay at host:port. sink must be
// non-nil.
func NewListener(host string, port int, sink Sink, opts ...Option) *Listener {
	l := &Listener{
		url:  fmt.Sprintf("ws://%s:%d/sub", host, port),
		sink: sink,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run connects to the relay and forwards comments until ctx is cancelled.
// It always returns ctx.Err(); connection failures are retried, not surfaced.
func (l *Listener) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := l.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.log.Warn("comment relay connection lost, reconnecting",
			"url", l.url, "backoff", backoff, "error", err)
		if l.onReconnect != nil {
			l.onReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// subscribe dials the relay and pumps messages until the connection drops.
func (l *Listener) subscribe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(readLimit)

	l.log.Info("comment relay connected", "url", l.url)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.dispatch(msg)
	}
}

// relayMessage is the envelope OneComme sends on the /sub channel. Only the
// "comments" type carries new comments; "connected" replays history on
// subscribe and is ignored so old comments are not re-announced.
type relayMessage struct {
	Type string `json:"type"`
	Data struct {
		Comments []struct {
			Service string `json:"service"`
			Data    struct {
				Comment    string `json:"comment"`
				Name       string `json:"name"`
				ScreenName string `json:"screenName"`
			} `json:"data"`
		} `json:"comments"`
	} `json:"data"`
}

// dispatch parses one relay message and forwards any comments it carries.
// Malformed messages are dropped; the relay occasionally interleaves
// housekeeping frames this listener does not care about.
func (l *Listener) dispatch(msg []byte) {
	var rm relayMessage
	if err := sonic.Unmarshal(msg, &rm); err != nil {
		l.log.Debug("unparseable relay message dropped", "error", err)
		return
	}
	if rm.Type != "comments" {
		return
	}

	for _, c := range rm.Data.Comments {
		text := c.Data.Comment
		if text == "" {
			continue
		}
		author := c.Data.ScreenName
		if author == "" {
			author = c.Data.Name
		}
		l.log.Info("comment received", "author", author, "service", c.Service)
		l.sink(text, author)
	}
}
