// Package signaling is the duplex named-message bus between an orchestrator
// and the signaling relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/util"
)

var log = logging.Logger("signaling")

var (
	ErrClosed     = errors.New("signaling: channel closed")
	ErrBufferFull = errors.New("signaling: send buffer full")
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Channel is the surface the call and game controllers need from the relay.
// Handlers run on the channel's read goroutine and must not block.
type Channel interface {
	Send(name string, payload any) error
	On(name string, fn func(payload json.RawMessage)) (off func())
}

type Options struct {
	HandshakeTimeout time.Duration
	// PingInterval of 0 disables keepalive pings and read deadlines.
	PingInterval time.Duration
	Header       http.Header
}

// Client is a Channel over a gorilla WebSocket connection.
type Client struct {
	conn *websocket.Conn
	opts Options

	send chan []byte
	done chan struct{}

	mu       sync.RWMutex
	handlers map[string]map[uint64]func(json.RawMessage)
	nextID   uint64

	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL (http(s) URLs are mapped to ws(s)) and
// starts the read and write pumps.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, util.WebSocketURL(rawURL), opts.Header)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, opts)
	log.Infof("SIGNAL: connected to %s", util.WebSocketURL(rawURL))
	return c, nil
}

func newClient(conn *websocket.Conn, opts Options) *Client {
	c := &Client{
		conn:     conn,
		opts:     opts,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Send queues a named message. It never blocks.
func (c *Client) Send(name string, payload any) error {
	b, err := proto.Marshal(name, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		log.Debugf("SIGNAL: → %s", name)
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// On registers fn for inbound messages called name. Calling off removes it;
// off is idempotent.
func (c *Client) On(name string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[name] == nil {
		c.handlers[name] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[name][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[name], id)
		if len(c.handlers[name]) == 0 {
			delete(c.handlers, name)
		}
		c.mu.Unlock()
	}
}

// Done is closed once the connection is gone, for whatever reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down without synthesizing a disconnect.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) dispatch(name string, payload json.RawMessage) {
	c.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[name]))
	for _, fn := range c.handlers[name] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	if len(fns) == 0 {
		log.Debugf("SIGNAL: ← %s (no handler)", name)
		return
	}
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		if !c.closing.Load() {
			log.Warnf("SIGNAL: relay connection lost")
			c.dispatch(proto.MsgDisconnect, nil)
		}
	}()

	if c.opts.PingInterval > 0 {
		wait := c.opts.PingInterval * 3
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("SIGNAL: read error: %v", err)
			}
			return
		}

		var f proto.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Name == "" {
			log.Warnf("SIGNAL: dropping malformed frame (%d bytes)", len(message))
			continue
		}
		if f.Name == proto.MsgDisconnect {
			// Reserved for the local synthesized event.
			continue
		}
		log.Debugf("SIGNAL: ← %s", f.Name)
		c.dispatch(f.Name, f.Payload)
	}
}

func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			if c.closing.Load() {
				c.flush()
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warnf("SIGNAL: write error: %v", err)
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Warnf("SIGNAL: ping error: %v", err)
				return
			}
		}
	}
}

// flush writes whatever Send queued before a local Close, so a final
// leave_call still reaches the relay.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debugf("SIGNAL: flush on close: %v", err)
				return
			}
		default:
			return
		}
	}
}
