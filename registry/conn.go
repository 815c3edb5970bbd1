package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"gridmesh/protocol"
)

const (
	outboundQueueSize = 64
	writeTimeout      = 10 * time.Second
	maxFrameBytes     = 1 << 20 // 1 MiB
)

var errQueueFull = errors.New("registry: node outbound queue full")

// Conn adapts a websocket to the Transport contract: a single reader pulls
// inbound frames, a single writer drains the bounded outbound queue.
type Conn struct {
	ws       *websocket.Conn
	outbound chan any

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an accepted websocket and starts the write pump.
func NewConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxFrameBytes)
	c := &Conn{
		ws:       ws,
		outbound: make(chan any, outboundQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Enqueue places a frame on the outbound queue without blocking. A full queue
// is an error so no caller ever stalls on a slow node while holding a lock.
func (c *Conn) Enqueue(frame any) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("registry: connection closed")
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("registry: connection closed")
	default:
		return errQueueFull
	}
}

// ReadFrame blocks until the next inbound frame arrives or the connection
// fails. The caller owns the receive loop; Conn never reads on its own.
func (c *Conn) ReadFrame(ctx context.Context) (any, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// Close tears the connection down once. Safe to call from any goroutine.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
		close(c.closed)
	})
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outbound:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close("write error")
				return
			}
		}
	}
}
