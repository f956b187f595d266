package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only send heartbeats.
	maxMessageSize = 4 * 1024

	// Outbound messages buffered per client before events are dropped.
	sendBuffer = 64
)

// Client is a middleman between the websocket connection and the bus.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	identity    auth.Identity
	fingerprint string

	subs  []*bus.Subscription
	timer *time.Timer

	// done is closed once cleanup has run; writePump then flushes and
	// closes the connection.
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// inbound is the only message shape clients send.
type inbound struct {
	Type string `json:"type"`
}

func newClient(h *Hub, conn *websocket.Conn, id auth.Identity, fingerprint string) *Client {
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		identity:    id,
		fingerprint: fingerprint,
		done:        make(chan struct{}),
	}
}

// start subscribes the peer and account topics, marks the peer online and
// announces it to the account.
func (c *Client) start(ctx context.Context) error {
	b := c.hub.bus
	for _, topic := range []string{events.PeerTopic(c.identity.PeerID), events.AccountTopic(c.identity.AccountID)} {
		sub, err := b.Subscribe(ctx, topic, c.deliver)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	if err := b.Set(ctx, events.PeerOnlineKey(c.identity.PeerID), []byte("1"), OnlineTTL); err != nil {
		return err
	}

	c.mu.Lock()
	c.timer = time.AfterFunc(c.hub.timeout, func() { c.close("timeout") })
	c.mu.Unlock()

	telemetry.RecordPresenceOpen(ctx)
	c.hub.logger.Info("peer connected", "peer_id", c.identity.PeerID, "account_id", c.identity.AccountID)

	if c.fingerprint != "" {
		err := events.NewNotifier(b).NotifyAccount(ctx, c.identity.AccountID, events.KindPeerOnline,
			events.PeerOnline{Fingerprint: c.fingerprint})
		if err != nil {
			c.hub.logger.Warn("announcing peer online", "peer_id", c.identity.PeerID, "error", err)
		}
	}
	return nil
}

// deliver is the bus handler. Only client-visible events are forwarded; a
// peer_removed for this peer ends the session after it is sent.
func (c *Client) deliver(payload []byte) {
	evt, err := events.Decode(payload)
	if err != nil {
		telemetry.RecordEventDropped(context.Background(), "not_client_visible")
		c.hub.logger.Debug("dropping event", "peer_id", c.identity.PeerID, "error", err)
		return
	}

	switch evt.Type {
	case events.KindPeerOnline:
		var p events.PeerOnline
		if evt.DecodeData(&p) == nil && p.Fingerprint == c.fingerprint {
			return
		}
	case events.KindPeerRemoved:
		var p events.PeerRemoved
		if evt.DecodeData(&p) == nil && c.fingerprint != "" && p.Fingerprint == c.fingerprint {
			c.enqueue(payload)
			go c.close("removed")
			return
		}
	}
	c.enqueue(payload)
}

func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		telemetry.RecordEventDropped(context.Background(), "backpressure")
		c.hub.logger.Warn("send buffer full, dropping event", "peer_id", c.identity.PeerID)
	}
}

// heartbeat renews the online marker and the inactivity timer.
func (c *Client) heartbeat(ctx context.Context) {
	if err := c.hub.bus.Set(ctx, events.PeerOnlineKey(c.identity.PeerID), []byte("1"), OnlineTTL); err != nil {
		c.hub.logger.Warn("refreshing online marker", "peer_id", c.identity.PeerID, "error", err)
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Reset(c.hub.timeout)
	}
	c.mu.Unlock()
}

// close runs the session cleanup exactly once, whatever ended the session.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()

		c.hub.unregister(c)

		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()

		for _, sub := range subs {
			if err := c.hub.bus.Unsubscribe(ctx, sub); err != nil && !errors.Is(err, bus.ErrClosed) {
				c.hub.logger.Warn("unsubscribing", "topic", sub.Topic(), "error", err)
			}
		}
		if err := c.hub.bus.Delete(ctx, events.PeerOnlineKey(c.identity.PeerID)); err != nil && !errors.Is(err, bus.ErrClosed) {
			c.hub.logger.Warn("clearing online marker", "peer_id", c.identity.PeerID, "error", err)
		}

		close(c.done)
		telemetry.RecordPresenceClose(ctx, reason)
		c.hub.logger.Info("peer disconnected", "peer_id", c.identity.PeerID, "reason", reason)
	})
}

// readPump pumps messages from the websocket connection. It owns the read
// side and ends the session when the connection fails.
func (c *Client) readPump() {
	defer c.close("disconnect")
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "peer_id", c.identity.PeerID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			c.heartbeat(context.Background())
		}
	}
}

// writePump pumps messages to the websocket connection. After cleanup it
// flushes what is queued, sends a close frame and closes the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.close("write_error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("write_error")
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(message); err != nil {
		return err
	}
	return w.Close()
}
