// Package ws provides a WebSocket client for the tasklink gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/messages"
)

// ErrRequestFailed wraps error responses returned by the gateway.
var ErrRequestFailed = errors.New("request failed")

// Client is a WebSocket client for the tasklink gateway. Responses are
// correlated with their request by frame id; events are delivered in
// arrival order on Events.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan wsprotocol.Frame
	events  chan wsprotocol.Frame
	done    chan struct{}
	err     error
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// The connection outlives the dial context.
	clientCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &Client{
		conn:    conn,
		ctx:     clientCtx,
		cancel:  cancel,
		pending: make(map[string]chan wsprotocol.Frame),
		events:  make(chan wsprotocol.Frame, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the channel of event frames. It is never closed; watch Done.
func (c *Client) Events() <-chan wsprotocol.Frame {
	return c.events
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and waits for its response. result may be nil.
func (c *Client) Call(ctx context.Context, method wsprotocol.Method, params, result any) error {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame, err := wsprotocol.NewRequestFrame(id, method, params)
	if err != nil {
		return err
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}

	ch := make(chan wsprotocol.Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return wsprotocol.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%s: %w: %v", method, wsprotocol.ErrNotConnected, err)
	}

	select {
	case res := <-ch:
		if res.OK == nil || !*res.OK {
			return fmt.Errorf("%s: %w: %s", method, ErrRequestFailed, res.Error)
		}
		if result != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, result); err != nil {
				return fmt.Errorf("%s: decode response: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", method, wsprotocol.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinTask subscribes to a task's events and reports its in-flight execution.
func (c *Client) JoinTask(ctx context.Context, taskID messages.TaskID) (wsprotocol.JoinTaskResult, error) {
	var res wsprotocol.JoinTaskResult
	err := c.Call(ctx, wsprotocol.MethodJoinTask, wsprotocol.JoinTaskParams{TaskID: int64(taskID)}, &res)
	return res, err
}

// SendMessage submits a user message.
func (c *Client) SendMessage(ctx context.Context, params wsprotocol.SendMessageParams) (wsprotocol.SendMessageResult, error) {
	var res wsprotocol.SendMessageResult
	err := c.Call(ctx, wsprotocol.MethodSendMessage, params, &res)
	return res, err
}

// CancelExecution asks the gateway to stop an execution.
func (c *Client) CancelExecution(ctx context.Context, taskID messages.TaskID, execID string) error {
	return c.Call(ctx, wsprotocol.MethodCancelExecution, wsprotocol.CancelExecutionParams{TaskID: int64(taskID), ExecID: execID}, nil)
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var data []byte
		_, data, err = c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		frame, uerr := wsprotocol.UnmarshalFrame(data)
		if uerr != nil {
			continue
		}

		switch frame.Type {
		case wsprotocol.FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case wsprotocol.FrameTypeEvent:
			select {
			case c.events <- frame:
			case <-c.ctx.Done():
				err = c.ctx.Err()
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if err == nil {
		err = wsprotocol.ErrNotConnected
	}
	c.err = err
	close(c.done)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
