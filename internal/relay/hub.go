// Package relay is a development signaling relay: FIFO pairing of searching
// users plus verbatim forwarding of peer messages to the paired partner.
// The production matching service is external; this exists so two local
// orchestrators can find each other.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/proto"
)

var log = logging.Logger("relay")

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
)

// forwarded lists the messages passed through to the partner untouched.
var forwarded = map[string]bool{
	proto.MsgCallUser:         true,
	proto.MsgCallAccepted:     true,
	proto.MsgEndCall:          true,
	proto.MsgCreateDatingCall: true,
	proto.MsgRequestGame:      true,
	proto.MsgRejectGame:       true,
	proto.MsgAcceptGame:       true,
	proto.MsgCompleteGame:     true,
}

// frameLabel keeps the frames metric to the known message names.
func frameLabel(name string) string {
	if forwarded[name] || name == proto.MsgFindCallUser || name == proto.MsgLeaveCall {
		return name
	}
	return "other"
}

type Options struct {
	// SearchTimeout is how long a client may wait in the queue before it
	// is sent call_timeout.
	SearchTimeout time.Duration
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
}

// client is one connected WebSocket.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	profile proto.Profile

	// Guarded by Hub.mu.
	partner *client
	waiting bool
	timer   clockwork.Timer
	gone    bool
}

// Hub owns every connected client and the waiting queue.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	queue   []*client
}

func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = time.Minute
	}
	return &Hub{
		opts:    opts,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // development relay, any origin
			},
		},
	}
}

// ServeHTTP upgrades the request and runs the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("RELAY: upgrade failed: %v", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.opts.Metrics.RelayConnected()
	log.Debugf("RELAY [%s]: connected from %s", c.id, r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// Waiting returns how many clients are queued for a match.
func (h *Hub) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Connected returns how many clients are connected.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	cs := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.Unlock()
	for _, c := range cs {
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("RELAY [%s]: read error: %v", c.id, err)
			}
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Name == "" {
			log.Warnf("RELAY [%s]: malformed frame dropped", c.id)
			continue
		}
		h.opts.Metrics.RelayFrame(frameLabel(f.Name))
		h.handle(c, f, message)
	}
}

func (h *Hub) writePump(c *client) {
	t := time.NewTicker(pingInterval)
	defer func() {
		t.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handle(c *client, f proto.Frame, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return
	}

	switch f.Name {
	case proto.MsgFindCallUser:
		var p proto.FindCallUserPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.MyProfile.UserID == "" {
			log.Warnf("RELAY [%s]: find_call_user without a profile", c.id)
			return
		}
		h.find(c, p.MyProfile)

	case proto.MsgLeaveCall:
		if c.waiting {
			h.dequeue(c)
			return
		}
		if p := c.partner; p != nil {
			h.deliver(p, raw)
			h.unpair(c)
		}

	default:
		if !forwarded[f.Name] {
			log.Debugf("RELAY [%s]: %s not relayed", c.id, f.Name)
			return
		}
		if c.partner == nil {
			log.Debugf("RELAY [%s]: %s without a partner dropped", c.id, f.Name)
			return
		}
		h.deliver(c.partner, raw)
	}
}

// find queues c or pairs it with the longest-waiting other user. Called
// with h.mu held.
func (h *Hub) find(c *client, me proto.Profile) {
	if c.partner != nil {
		h.unpair(c)
	}
	if c.waiting {
		h.dequeue(c)
	}
	c.profile = me

	for i, other := range h.queue {
		if other.profile.UserID == me.UserID {
			continue
		}
		h.queue = append(h.queue[:i], h.queue[i+1:]...)
		h.stopTimer(other)
		other.waiting = false
		h.pair(other, c)
		h.opts.Metrics.RelayWaiting(len(h.queue))
		return
	}

	c.waiting = true
	h.queue = append(h.queue, c)
	h.opts.Metrics.RelayWaiting(len(h.queue))
	h.sendTo(c, proto.MsgQueueEmpty, struct{}{})

	id := c.id
	c.timer = h.opts.Clock.AfterFunc(h.opts.SearchTimeout, func() { h.expire(id) })
	log.Debugf("RELAY [%s]: %s waiting (%d queued)", c.id, me.UserID, len(h.queue))
}

// pair matches two clients; the one that waited longer calls.
func (h *Hub) pair(caller, callee *client) {
	caller.partner, callee.partner = callee, caller
	cp, ce := caller.profile, callee.profile
	h.sendTo(caller, proto.MsgFindCallUser, proto.FindCallUserPayload{MyProfile: cp, UserProfile: &ce, Role: proto.RoleCaller})
	h.sendTo(callee, proto.MsgFindCallUser, proto.FindCallUserPayload{MyProfile: ce, UserProfile: &cp, Role: proto.RoleCallee})
	h.opts.Metrics.RelayPaired()
	log.Infof("RELAY: paired %s (caller) with %s (callee)", cp.UserID, ce.UserID)
}

func (h *Hub) unpair(c *client) {
	if p := c.partner; p != nil {
		p.partner = nil
	}
	c.partner = nil
}

func (h *Hub) dequeue(c *client) {
	for i, q := range h.queue {
		if q == c {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			break
		}
	}
	c.waiting = false
	h.stopTimer(c)
	h.opts.Metrics.RelayWaiting(len(h.queue))
}

func (h *Hub) stopTimer(c *client) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (h *Hub) expire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || !c.waiting {
		return
	}
	h.dequeue(c)
	h.sendTo(c, proto.MsgCallTimeout, struct{}{})
	log.Debugf("RELAY [%s]: search timed out", c.id)
}

// remove forgets a disconnected client. A paired partner is told the user
// left.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return
	}
	c.gone = true
	if c.waiting {
		h.dequeue(c)
	}
	if p := c.partner; p != nil {
		h.sendTo(p, proto.MsgLeaveCall, proto.UserPayload{UserID: c.profile.UserID})
		h.unpair(c)
	}
	delete(h.clients, c.id)
	close(c.send)
	h.opts.Metrics.RelayDisconnected()
	log.Debugf("RELAY [%s]: disconnected", c.id)
}

func (h *Hub) sendTo(c *client, name string, payload any) {
	b, err := proto.Marshal(name, payload)
	if err != nil {
		log.Errorf("RELAY: marshal %s: %v", name, err)
		return
	}
	h.deliver(c, b)
}

// deliver queues raw for c, dropping the client when it cannot keep up.
// Called with h.mu held.
func (h *Hub) deliver(c *client, raw []byte) {
	if c.gone {
		return
	}
	select {
	case c.send <- raw:
	default:
		log.Warnf("RELAY [%s]: send buffer full, dropping client", c.id)
		_ = c.conn.Close()
	}
}
