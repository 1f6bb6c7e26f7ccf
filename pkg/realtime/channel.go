package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/phx"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState string

const (
	StateClosed  ChannelState = "closed"
	StateJoining ChannelState = "joining"
	StateJoined  ChannelState = "joined"
	StateLeaving ChannelState = "leaving"
	StateErrored ChannelState = "errored"
)

// SubscribeStatus is reported to the status callback of Subscribe.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// StatusFunc receives subscription status changes. err is nil for
// SUBSCRIBED and CLOSED.
type StatusFunc func(status SubscribeStatus, err error)

// BroadcastFunc receives a broadcast event name and its payload.
type BroadcastFunc func(event string, payload json.RawMessage)

// ChannelConfig is sent with the join request.
type ChannelConfig struct {
	// Self delivers this client's own broadcasts back to it.
	Self bool
	// Ack makes Send wait for the server acknowledgement.
	Ack bool
	// PresenceKey identifies this client in the presence set.
	PresenceKey string
	Private     bool
}

// AnyEvent matches every broadcast event in OnBroadcast.
const AnyEvent = "*"

type reply struct {
	payload phx.ReplyPayload
	err     error
}

type broadcastBinding struct {
	id    uint64
	event string
	fn    BroadcastFunc
}

type presenceBinding struct {
	id uint64
	fn func(PresenceEvent)
}

// Channel is one topic joined over the shared socket. Handlers run on the
// socket read goroutine in arrival order and must not block.
type Channel struct {
	name   string
	topic  string
	socket *Socket
	cfg    ChannelConfig
	log    *log.Logger

	mu         sync.Mutex
	state      ChannelState
	joinRef    string
	onStatus   StatusFunc
	lastErr    error
	replies    map[string]chan reply
	broadcasts []broadcastBinding
	presences  []presenceBinding
	nextID     uint64
	presence   *presenceSet
}

func newChannel(s *Socket, name string, cfg ChannelConfig) *Channel {
	return &Channel{
		name:     name,
		topic:    phx.Topic(name),
		socket:   s,
		cfg:      cfg,
		log:      log.ForService("channel"),
		state:    StateClosed,
		replies:  make(map[string]chan reply),
		presence: newPresenceSet(),
	}
}

func (c *Channel) Name() string  { return c.name }
func (c *Channel) Topic() string { return c.topic }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last failure observed on the channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnBroadcast registers fn for broadcasts named event, or every broadcast
// when event is AnyEvent. It returns an id for Off.
func (c *Channel) OnBroadcast(event string, fn BroadcastFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.broadcasts = append(c.broadcasts, broadcastBinding{id: c.nextID, event: event, fn: fn})
	return c.nextID
}

// OnPresence registers fn for presence sync, join and leave events.
func (c *Channel) OnPresence(fn func(PresenceEvent)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.presences = append(c.presences, presenceBinding{id: c.nextID, fn: fn})
	return c.nextID
}

// Off removes a binding. Unknown ids are ignored.
func (c *Channel) Off(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.broadcasts {
		if b.id == id {
			c.broadcasts = append(c.broadcasts[:i:i], c.broadcasts[i+1:]...)
			return
		}
	}
	for i, b := range c.presences {
		if b.id == id {
			c.presences = append(c.presences[:i:i], c.presences[i+1:]...)
			return
		}
	}
}

// Subscribe connects the socket if needed and joins the channel. onStatus
// is kept for the lifetime of the channel and also receives later errors
// and the final CLOSED.
func (c *Channel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	c.mu.Lock()
	c.onStatus = onStatus
	c.mu.Unlock()
	return c.join(ctx)
}

// Resubscribe joins again after an error or close, reusing the status
// callback. It is a no-op on a joined channel.
func (c *Channel) Resubscribe(ctx context.Context) error {
	if c.State() == StateJoined {
		return nil
	}
	c.socket.register(c)
	return c.join(ctx)
}

func (c *Channel) join(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateJoining {
		c.mu.Unlock()
		return &ChannelError{Channel: c.name, Op: "join", Reason: "join already in progress"}
	}
	c.state = StateJoining
	c.mu.Unlock()

	if err := c.socket.Connect(ctx); err != nil {
		return c.fail("join", StatusChannelError, err)
	}

	ref := c.socket.makeRef()
	c.mu.Lock()
	c.joinRef = ref
	c.presence.reset()
	c.mu.Unlock()

	payload := phx.JoinPayload{
		Config: phx.JoinConfig{
			Broadcast: phx.BroadcastConfig{Self: c.cfg.Self, Ack: c.cfg.Ack},
			Presence:  phx.PresenceConfig{Key: c.cfg.PresenceKey},
			Private:   c.cfg.Private,
		},
		AccessToken: c.socket.AccessToken(),
	}
	r, err := c.request(ctx, phx.EventJoin, payload, ref, ref)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return c.fail("join", StatusTimedOut, err)
		}
		return c.fail("join", StatusChannelError, err)
	}
	if r.Status != phx.StatusOK {
		return c.fail("join", StatusChannelError, &ChannelError{Channel: c.name, Op: "join", Reason: replyReason(r)})
	}

	c.mu.Lock()
	c.state = StateJoined
	c.lastErr = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	c.log.Debugf("joined %s", c.topic)
	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return nil
}

func (c *Channel) fail(op string, status SubscribeStatus, err error) error {
	var ce *ChannelError
	if !errors.As(err, &ce) {
		ce = &ChannelError{Channel: c.name, Op: op, Err: err}
	}
	c.mu.Lock()
	c.state = StateErrored
	c.lastErr = ce
	onStatus := c.onStatus
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(status, ce)
	}
	return ce
}

// Unsubscribe leaves the channel, drops every binding and reports CLOSED.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	wasJoined := c.state == StateJoined
	c.state = StateLeaving
	joinRef := c.joinRef
	c.mu.Unlock()

	var leaveErr error
	if wasJoined {
		r, err := c.request(ctx, phx.EventLeave, nil, c.socket.makeRef(), joinRef)
		switch {
		case err != nil:
			leaveErr = &ChannelError{Channel: c.name, Op: "leave", Err: err}
		case r.Status != phx.StatusOK:
			leaveErr = &ChannelError{Channel: c.name, Op: "leave", Reason: replyReason(r)}
		}
	}

	c.socket.remove(c)
	c.mu.Lock()
	c.state = StateClosed
	c.broadcasts = nil
	c.presences = nil
	onStatus := c.onStatus
	c.onStatus = nil
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusClosed, nil)
	}
	return leaveErr
}

// Send broadcasts event with payload to every subscriber of the channel.
// With Ack configured it waits for the server acknowledgement.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}

	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()
	if state != StateJoined {
		return &ChannelError{Channel: c.name, Op: "send", Err: ErrChannelClosed}
	}

	body := phx.BroadcastPayload{Type: phx.EventBroadcast, Event: event, Payload: raw}
	ref := c.socket.makeRef()
	if !c.cfg.Ack {
		msg, err := phx.NewMessage(c.topic, phx.EventBroadcast, body, ref, joinRef)
		if err != nil {
			return err
		}
		if err := c.socket.pushBroadcast(msg); err != nil {
			return &ChannelError{Channel: c.name, Op: "send", Err: err}
		}
		return nil
	}

	if !c.socket.limiter.Allow() {
		return &ChannelError{Channel: c.name, Op: "send", Err: ErrRateLimited}
	}
	r, err := c.request(ctx, phx.EventBroadcast, body, ref, joinRef)
	if err != nil {
		return &ChannelError{Channel: c.name, Op: "send", Err: err}
	}
	if r.Status != phx.StatusOK {
		return &ChannelError{Channel: c.name, Op: "send", Reason: replyReason(r)}
	}
	return nil
}

// Track publishes state as this client's presence on the channel.
func (c *Channel) Track(ctx context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding presence: %w", err)
	}
	return c.presencePush(ctx, phx.PresenceTrack, raw)
}

// Untrack removes this client's presence from the channel.
func (c *Channel) Untrack(ctx context.Context) error {
	return c.presencePush(ctx, phx.PresenceUntrack, nil)
}

func (c *Channel) presencePush(ctx context.Context, event string, raw json.RawMessage) error {
	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()
	if state != StateJoined {
		return &ChannelError{Channel: c.name, Op: event, Err: ErrChannelClosed}
	}

	body := phx.PresencePush{Type: phx.EventPresence, Event: event, Payload: raw}
	r, err := c.request(ctx, phx.EventPresence, body, c.socket.makeRef(), joinRef)
	if err != nil {
		return &ChannelError{Channel: c.name, Op: event, Err: err}
	}
	if r.Status != phx.StatusOK {
		return &ChannelError{Channel: c.name, Op: event, Reason: replyReason(r)}
	}
	return nil
}

// PresenceState returns a copy of the current presence set.
func (c *Channel) PresenceState() PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.snapshot()
}

func (c *Channel) pushAccessToken(token string) error {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	msg, err := phx.NewMessage(c.topic, phx.EventAccessToken, phx.AccessTokenPayload{AccessToken: token}, c.socket.makeRef(), joinRef)
	if err != nil {
		return err
	}
	return c.socket.push(msg)
}

// request pushes a frame and waits for the matching phx_reply.
func (c *Channel) request(ctx context.Context, event string, payload any, ref, joinRef string) (phx.ReplyPayload, error) {
	msg, err := phx.NewMessage(c.topic, event, payload, ref, joinRef)
	if err != nil {
		return phx.ReplyPayload{}, err
	}

	wait := make(chan reply, 1)
	c.mu.Lock()
	c.replies[ref] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, ref)
		c.mu.Unlock()
	}()

	if err := c.socket.push(msg); err != nil {
		return phx.ReplyPayload{}, err
	}

	timer := time.NewTimer(c.socket.opts.Timeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		return r.payload, r.err
	case <-timer.C:
		return phx.ReplyPayload{}, ErrTimeout
	case <-ctx.Done():
		return phx.ReplyPayload{}, ctx.Err()
	}
}

// handle dispatches one inbound frame. Called from the socket read loop.
func (c *Channel) handle(msg phx.Message) {
	switch msg.Event {
	case phx.EventReply:
		var r phx.ReplyPayload
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			c.log.Warnf("%s: bad reply payload: %v", c.name, err)
			return
		}
		c.mu.Lock()
		wait := c.replies[msg.Ref]
		c.mu.Unlock()
		if wait != nil {
			select {
			case wait <- reply{payload: r}:
			default:
			}
		}

	case phx.EventError:
		if c.stale(msg) {
			return
		}
		c.fail("server", StatusChannelError, &ChannelError{Channel: c.name, Op: "server", Reason: "channel crashed"})

	case phx.EventClose:
		if c.stale(msg) {
			return
		}
		c.mu.Lock()
		leaving := c.state == StateLeaving
		if !leaving {
			c.state = StateClosed
			c.lastErr = &ChannelError{Channel: c.name, Op: "server", Err: ErrChannelClosed}
		}
		onStatus := c.onStatus
		c.mu.Unlock()
		if !leaving && onStatus != nil {
			onStatus(StatusClosed, nil)
		}

	case phx.EventBroadcast:
		var body phx.BroadcastPayload
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			c.log.Warnf("%s: bad broadcast envelope: %v", c.name, err)
			return
		}
		c.mu.Lock()
		bindings := append([]broadcastBinding(nil), c.broadcasts...)
		c.mu.Unlock()
		for _, b := range bindings {
			if b.event == AnyEvent || b.event == body.Event {
				b.fn(body.Event, body.Payload)
			}
		}

	case phx.EventPresenceState, phx.EventPresenceDiff:
		c.mu.Lock()
		var events []PresenceEvent
		var err error
		if msg.Event == phx.EventPresenceState {
			events, err = c.presence.applyState(msg.Payload)
		} else {
			events, err = c.presence.applyDiff(msg.Payload)
		}
		bindings := append([]presenceBinding(nil), c.presences...)
		c.mu.Unlock()
		if err != nil {
			c.log.Warnf("%s: bad %s payload: %v", c.name, msg.Event, err)
			return
		}
		for _, ev := range events {
			for _, b := range bindings {
				b.fn(ev)
			}
		}

	default:
		c.log.Debugf("%s: unhandled event %s", c.name, msg.Event)
	}
}

// stale reports lifecycle frames addressed to a previous join.
func (c *Channel) stale(msg phx.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return msg.JoinRef != "" && msg.JoinRef != c.joinRef
}

// socketDropped marks the channel errored after a transport failure and
// fails every pending request.
func (c *Channel) socketDropped(cause error) {
	c.mu.Lock()
	for _, wait := range c.replies {
		select {
		case wait <- reply{err: ErrNotConnected}:
		default:
		}
	}
	// A pending join fails through its own request.
	active := c.state == StateJoined
	c.mu.Unlock()

	if active {
		c.fail("socket", StatusChannelError, cause)
	}
}

func replyReason(r phx.ReplyPayload) string {
	var e phx.ErrorResponse
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &e) == nil && e.Reason != "" {
		return e.Reason
	}
	return "server replied " + r.Status
}
