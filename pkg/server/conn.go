package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rubiojr/pulse/pkg/phx"
)

const writeTimeout = 10 * time.Second

// conn is one client websocket. Writes go through a bounded send queue
// drained by writeLoop; the queue is never closed so concurrent fan-out
// stays safe.
type conn struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	topics      map[string]struct{}
	accessToken string
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		id:     uuid.NewString(),
		ws:     ws,
		srv:    srv,
		send:   make(chan []byte, srv.cfg.SendQueueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.srv.metrics.droppedTotal.Inc()
		c.srv.log.Warnf("send queue full for %s, dropping frame", c.id)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.srv.log.Debugf("write to %s failed: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	defer func() {
		c.close()
		c.srv.disconnect(c)
	}()

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout)); err != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Debugf("connection %s closed: %v", c.id, err)
			}
			return
		}

		msg, err := phx.Decode(data)
		if err != nil {
			c.srv.log.Warnf("connection %s sent an undecodable frame: %v", c.id, err)
			continue
		}
		c.srv.metrics.framesTotal.WithLabelValues(eventLabel(msg.Event)).Inc()
		c.handle(msg)
	}
}

func eventLabel(event string) string {
	switch event {
	case phx.EventJoin, phx.EventLeave, phx.EventHeartbeat, phx.EventBroadcast,
		phx.EventPresence, phx.EventAccessToken:
		return event
	}
	return "other"
}

func (c *conn) handle(msg phx.Message) {
	switch {
	case msg.Topic == phx.TopicPhoenix && msg.Event == phx.EventHeartbeat:
		c.reply(msg, phx.StatusOK, nil)
	case msg.Event == phx.EventJoin:
		c.handleJoin(msg)
	case msg.Event == phx.EventLeave:
		c.handleLeave(msg)
	case msg.Event == phx.EventBroadcast:
		c.handleBroadcast(msg)
	case msg.Event == phx.EventPresence:
		c.handlePresence(msg)
	case msg.Event == phx.EventAccessToken:
		var p phx.AccessTokenPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			c.mu.Lock()
			c.accessToken = p.AccessToken
			c.mu.Unlock()
		}
	default:
		c.replyError(msg, "unknown event "+msg.Event)
	}
}

func (c *conn) reply(msg phx.Message, status string, response any) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return
		}
		raw = b
	} else {
		raw = json.RawMessage(`{}`)
	}
	out, err := phx.NewMessage(msg.Topic, phx.EventReply, phx.ReplyPayload{Status: status, Response: raw}, msg.Ref, msg.JoinRef)
	if err != nil {
		return
	}
	data, err := out.Encode()
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *conn) replyError(msg phx.Message, reason string) {
	c.reply(msg, phx.StatusError, phx.ErrorResponse{Reason: reason})
}

func (c *conn) push(topic, event string, payload any, joinRef string) {
	out, err := phx.NewMessage(topic, event, payload, "", joinRef)
	if err != nil {
		return
	}
	data, err := out.Encode()
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *conn) handleJoin(msg phx.Message) {
	var p phx.JoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.replyError(msg, "malformed join payload")
			return
		}
	}

	name := msg.Topic
	if c.srv.hub.member(name, c) != nil {
		// Rejoin on the same connection replaces the previous membership.
		c.leaveTopic(name)
	}

	joinRef := msg.JoinRef
	if joinRef == "" {
		joinRef = msg.Ref
	}
	key := p.Config.Presence.Key
	if key == "" {
		key = uuid.NewString()
	}
	c.srv.hub.join(name, &membership{
		conn:        c,
		joinRef:     joinRef,
		self:        p.Config.Broadcast.Self,
		ack:         p.Config.Broadcast.Ack,
		presenceKey: key,
	})
	c.mu.Lock()
	c.topics[name] = struct{}{}
	if p.AccessToken != "" {
		c.accessToken = p.AccessToken
	}
	c.mu.Unlock()

	c.srv.log.Debugf("%s joined %s", c.id, name)
	c.reply(msg, phx.StatusOK, nil)
	c.push(name, phx.EventPresenceState, c.srv.hub.presenceState(name), joinRef)
}

func (c *conn) handleLeave(msg phx.Message) {
	c.leaveTopic(msg.Topic)
	c.reply(msg, phx.StatusOK, nil)
	c.push(msg.Topic, phx.EventClose, nil, msg.JoinRef)
}

// leaveTopic removes c from name and announces any presence it held.
func (c *conn) leaveTopic(name string) {
	key, left := c.srv.hub.leave(name, c)
	c.mu.Lock()
	delete(c.topics, name)
	c.mu.Unlock()
	if len(left) > 0 {
		c.srv.presenceDiff(name, "", nil, key, left)
	}
}

func (c *conn) handleBroadcast(msg phx.Message) {
	m := c.srv.hub.member(msg.Topic, c)
	if m == nil {
		c.replyError(msg, "unmatched topic")
		return
	}
	var body phx.BroadcastPayload
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body.Event == "" {
		c.replyError(msg, "malformed broadcast payload")
		return
	}

	c.srv.broadcast(msg.Topic, body, c)
	if m.ack {
		c.reply(msg, phx.StatusOK, nil)
	}
}

func (c *conn) handlePresence(msg phx.Message) {
	if c.srv.hub.member(msg.Topic, c) == nil {
		c.replyError(msg, "unmatched topic")
		return
	}
	var push phx.PresencePush
	if err := json.Unmarshal(msg.Payload, &push); err != nil {
		c.replyError(msg, "malformed presence payload")
		return
	}

	switch push.Event {
	case phx.PresenceTrack:
		ref := uuid.NewString()
		meta, err := phx.WithRef(push.Payload, ref)
		if err != nil {
			c.replyError(msg, err.Error())
			return
		}
		replaced, key, ok := c.srv.hub.track(msg.Topic, c, ref, meta)
		if !ok {
			c.replyError(msg, "unmatched topic")
			return
		}
		c.reply(msg, phx.StatusOK, nil)
		c.srv.presenceDiff(msg.Topic, key, []json.RawMessage{meta}, key, replaced)

	case phx.PresenceUntrack:
		key, left := c.srv.hub.untrack(msg.Topic, c)
		c.reply(msg, phx.StatusOK, nil)
		if len(left) > 0 {
			c.srv.presenceDiff(msg.Topic, "", nil, key, left)
		}

	default:
		c.replyError(msg, "unknown presence event "+push.Event)
	}
}

func (c *conn) joinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}
