package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	wsprotocol "github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// OnConnect is called after every successful dial.
	OnConnect func(ctx context.Context, first bool)
	// OnDisconnect is called when an established connection drops.
	OnDisconnect func(at time.Time)
	// OnReconnect is called when a connection is re-established after a drop.
	OnReconnect func(at time.Time)
	// MaxBackoff caps the delay between dial attempts (default 10s).
	MaxBackoff time.Duration
	// Dial overrides the dialer; used by tests.
	Dial func(ctx context.Context, url string) (*Client, error)
}

// Session keeps a Client connected, redialing with backoff, and forwards
// events from every successive connection on one channel.
type Session struct {
	url  string
	opts SessionOptions

	mu     sync.RWMutex
	client *Client
	events chan wsprotocol.Frame
}

// NewSession creates a Session for url. Call Run to connect.
func NewSession(url string, opts SessionOptions) *Session {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	return &Session{
		url:    url,
		opts:   opts,
		events: make(chan wsprotocol.Frame, 256),
	}
}

// Events returns the merged event stream of every connection.
func (s *Session) Events() <-chan wsprotocol.Frame {
	return s.events
}

// Connected reports whether a connection is currently live.
func (s *Session) Connected() bool {
	return s.current() != nil
}

// Run connects and keeps the session connected until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	b := newBackoff(s.opts.MaxBackoff)
	connectedOnce := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c, err := s.opts.Dial(ctx, s.url)
		if err != nil {
			slog.Debug("gateway dial failed", "url", s.url, "error", err)
		} else {
			b.reset()
			first := !connectedOnce
			connectedOnce = true

			s.pump(ctx, c, first)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("gateway connection lost; retrying", "error", c.Err())
			if s.opts.OnDisconnect != nil {
				s.opts.OnDisconnect(time.Now())
			}
		}

		timer := time.NewTimer(b.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) pump(ctx context.Context, c *Client, first bool) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		_ = c.Close()
	}()

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(ctx, first)
	}
	if !first && s.opts.OnReconnect != nil {
		s.opts.OnReconnect(time.Now())
	}

	for {
		select {
		case f := <-c.Events():
			select {
			case s.events <- f:
			case <-ctx.Done():
				return
			}
		case <-c.Done():
			// Flush events read before the connection dropped.
			for {
				select {
				case f := <-c.Events():
					select {
					case s.events <- f:
					case <-ctx.Done():
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) current() *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// JoinTask implements the engine transport.
func (s *Session) JoinTask(ctx context.Context, taskID messages.TaskID) (wsprotocol.JoinTaskResult, error) {
	c := s.current()
	if c == nil {
		return wsprotocol.JoinTaskResult{}, wsprotocol.ErrNotConnected
	}
	return c.JoinTask(ctx, taskID)
}

// SendMessage implements the engine transport.
func (s *Session) SendMessage(ctx context.Context, params wsprotocol.SendMessageParams) (wsprotocol.SendMessageResult, error) {
	c := s.current()
	if c == nil {
		return wsprotocol.SendMessageResult{}, wsprotocol.ErrNotConnected
	}
	return c.SendMessage(ctx, params)
}

// CancelExecution implements the engine transport.
func (s *Session) CancelExecution(ctx context.Context, taskID messages.TaskID, execID string) error {
	c := s.current()
	if c == nil {
		return wsprotocol.ErrNotConnected
	}
	return c.CancelExecution(ctx, taskID, execID)
}

// backoff yields 250ms, 450ms, 810ms, ... capped at max.
type backoff struct {
	attempt int
	max     time.Duration
}

func newBackoff(limit time.Duration) *backoff { return &backoff{max: limit} }

func (b *backoff) next() time.Duration {
	d := 250 * time.Millisecond
	for i := 0; i < b.attempt && d < b.max; i++ {
		d = d * 9 / 5
	}
	b.attempt++
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *backoff) reset() { b.attempt = 0 }
