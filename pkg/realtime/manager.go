package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/log"
)

// Channel names and broadcast events shared with every other producer.
const (
	ActivityFeedChannel = "activity-feed"
	ActivityEventName   = "activity"
	NotificationEvent   = "notification"
)

// PresenceScope selects a presence channel. A target takes precedence over
// the page.
type PresenceScope struct {
	Page       string
	TargetID   string
	TargetType core.TargetType
}

// PresenceChannel returns presence:<targetType>:<targetId> when a target is
// set and presence:<page> otherwise.
func PresenceChannel(scope PresenceScope) string {
	if scope.TargetID != "" && scope.TargetType != "" {
		return fmt.Sprintf("presence:%s:%s", scope.TargetType, scope.TargetID)
	}
	return "presence:" + scope.Page
}

// EntityChannel returns <entityType>:<entityId>.
func EntityChannel(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// NotificationsChannel returns notifications:<userId>.
func NotificationsChannel(userID string) string {
	return "notifications:" + userID
}

// Identity is the signed-in user, if any, advertised in presence and
// stamped on outgoing activity.
type Identity struct {
	UserID   string
	Username string
}

type managed struct {
	ch         *Channel
	refs       int
	publisher  bool
	supervised bool
}

// Manager owns every channel opened through it and mediates all publish and
// subscribe operations. Identical scopes share one reference-counted
// channel; the last Unsubscribe leaves it.
type Manager struct {
	provider   *Provider
	identity   Identity
	sessionKey string
	supervisor *Supervisor
	echo       bool
	now        func() time.Time
	log        *log.Logger

	mu       sync.Mutex
	channels map[string]*managed
}

type Option func(*Manager)

// WithIdentity sets the local user.
func WithIdentity(id Identity) Option {
	return func(m *Manager) { m.identity = id }
}

// WithSupervisor registers notification channels with s.
func WithSupervisor(s *Supervisor) Option {
	return func(m *Manager) { m.supervisor = s }
}

// WithEcho delivers this client's own broadcasts back to its subscribers.
func WithEcho(echo bool) Option {
	return func(m *Manager) { m.echo = echo }
}

// WithClock overrides the time source used for stamping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(p *Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:   p,
		sessionKey: uuid.NewString(),
		now:        time.Now,
		log:        log.ForService("channels"),
		channels:   make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionKey is this client's presence key.
func (m *Manager) SessionKey() string {
	return m.sessionKey
}

func (m *Manager) Identity() Identity {
	return m.identity
}

// Supervisor returns the configured supervisor, or nil.
func (m *Manager) Supervisor() *Supervisor {
	return m.supervisor
}

func (m *Manager) channelConfig() ChannelConfig {
	return ChannelConfig{Self: m.echo, PresenceKey: m.sessionKey}
}

// SubscribeActivityFeed delivers every activity broadcast on the global
// feed. Payloads that fail to parse go to onError and the subscription
// stays open. A nil onError logs the failure.
func (m *Manager) SubscribeActivityFeed(ctx context.Context, onEvent func(core.ActivityEvent), onError func(error)) (*Subscription, error) {
	if onError == nil {
		onError = func(err error) { m.log.Warnf("dropping activity: %v", err) }
	}
	bind := func(ch *Channel) uint64 {
		return ch.OnBroadcast(ActivityEventName, func(_ string, payload json.RawMessage) {
			e, err := core.ParseActivity(payload)
			if err != nil {
				onError(err)
				return
			}
			onEvent(e)
		})
	}
	return m.open(ctx, ActivityFeedChannel, bind, nil, false)
}

// BroadcastActivity stamps e with a fresh id and timestamp and publishes
// it on the global feed. Publishing is fire-and-forget: transport failures
// are logged and dropped. Only configuration and validation errors are
// returned.
func (m *Manager) BroadcastActivity(ctx context.Context, e core.ActivityEvent) (core.ActivityEvent, error) {
	if _, err := m.provider.Connection(); err != nil {
		return core.ActivityEvent{}, err
	}
	if e.UserID == "" && e.Username == "" {
		e.UserID, e.Username = m.identity.UserID, m.identity.Username
	}
	stamped := e.Stamp(m.now())
	if err := stamped.Validate(); err != nil {
		return core.ActivityEvent{}, err
	}
	if err := m.publish(ctx, ActivityFeedChannel, ActivityEventName, stamped); err != nil {
		m.log.Warnf("broadcast %s dropped: %v", stamped.ID, err)
	}
	return stamped, nil
}

// SubscribePresence joins the presence channel for scope and tracks this
// client's PresenceState once subscribed. onUpdate receives every sync,
// join and leave.
func (m *Manager) SubscribePresence(ctx context.Context, scope PresenceScope, onUpdate func(PresenceEvent)) (*Subscription, error) {
	if scope.Page == "" && scope.TargetID == "" {
		return nil, errors.New("presence scope needs a page or a target")
	}
	name := PresenceChannel(scope)
	joinedAt := m.now().UTC()
	state := core.PresenceState{
		UserID:      m.identity.UserID,
		Username:    m.identity.Username,
		CurrentPage: scope.Page,
		TargetID:    scope.TargetID,
		TargetType:  scope.TargetType,
		JoinedAt:    joinedAt,
	}

	var ch *Channel
	bind := func(c *Channel) uint64 {
		ch = c
		return c.OnPresence(onUpdate)
	}
	onStatus := func(status SubscribeStatus, _ error) {
		if status != StatusSubscribed {
			return
		}
		if err := ch.Track(context.Background(), state); err != nil {
			m.log.Warnf("tracking presence on %s: %v", name, err)
		}
	}
	return m.open(ctx, name, bind, onStatus, false)
}

// SubscribeEntityUpdates delivers every broadcast on <entityType>:<entityId>.
func (m *Manager) SubscribeEntityUpdates(ctx context.Context, entityType, entityID string, onUpdate func(core.EntityUpdate)) (*Subscription, error) {
	if entityType == "" || entityID == "" {
		return nil, errors.New("entity type and id are required")
	}
	bind := func(ch *Channel) uint64 {
		return ch.OnBroadcast(AnyEvent, func(event string, payload json.RawMessage) {
			onUpdate(core.EntityUpdate{
				Event:      event,
				EntityType: entityType,
				EntityID:   entityID,
				Payload:    payload,
			})
		})
	}
	return m.open(ctx, EntityChannel(entityType, entityID), bind, nil, false)
}

// PublishEntityUpdate broadcasts u on its entity channel. Transport
// failures are returned but callers usually only log them.
func (m *Manager) PublishEntityUpdate(ctx context.Context, u core.EntityUpdate) error {
	if u.EntityType == "" || u.EntityID == "" || u.Event == "" {
		return errors.New("entity update needs event, entity type and id")
	}
	payload := u.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return m.publish(ctx, EntityChannel(u.EntityType, u.EntityID), u.Event, payload)
}

// SubscribeNotifications delivers notifications for userID. The channel is
// registered with the supervisor, so it is recovered after transient
// failures; an initial join failure is left to the supervisor as well.
func (m *Manager) SubscribeNotifications(ctx context.Context, userID string, onNotification func(core.Notification)) (*Subscription, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	name := NotificationsChannel(userID)
	bind := func(ch *Channel) uint64 {
		return ch.OnBroadcast(NotificationEvent, func(_ string, payload json.RawMessage) {
			n, err := core.ParseNotification(payload)
			if err != nil {
				m.log.Warnf("dropping notification on %s: %v", name, err)
				return
			}
			onNotification(n)
		})
	}
	return m.open(ctx, name, bind, nil, true)
}

// SendNotification stamps n as a new unread notification and publishes it
// on the recipient's channel. Transport failures are logged and dropped.
func (m *Manager) SendNotification(ctx context.Context, n core.Notification) (core.Notification, error) {
	if _, err := m.provider.Connection(); err != nil {
		return core.Notification{}, err
	}
	stamped := n.Stamp(m.now())
	if err := stamped.Validate(); err != nil {
		return core.Notification{}, err
	}
	if err := m.publish(ctx, NotificationsChannel(stamped.UserID), NotificationEvent, stamped); err != nil {
		m.log.Warnf("notification %s dropped: %v", stamped.ID, err)
	}
	return stamped, nil
}

// Channels returns the names of the open channels, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close leaves every channel and disconnects the socket.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.channels
	m.channels = make(map[string]*managed)
	m.mu.Unlock()

	var errs []error
	for name, e := range entries {
		if e.supervised && m.supervisor != nil {
			m.supervisor.RemoveChannel(name)
		}
		if err := e.ch.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	sock, err := m.provider.Connection()
	if err == nil {
		if err := sock.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// open returns a subscription on name, creating and joining the channel on
// first use. bind registers the caller's handler and runs before the join
// so no early frame is missed.
func (m *Manager) open(ctx context.Context, name string, bind func(*Channel) uint64, onStatus StatusFunc, supervise bool) (*Subscription, error) {
	entry, existed, err := m.acquire(name, false)
	if err != nil {
		return nil, err
	}
	id := bind(entry.ch)
	sub := NewSubscription(name, func(ctx context.Context) error {
		entry.ch.Off(id)
		return m.release(ctx, name, entry)
	})

	if supervise && m.supervisor != nil {
		m.superviseEntry(ctx, name, entry, existed, onStatus)
		return sub, nil
	}

	if existed {
		if err := m.revive(ctx, entry); err != nil {
			_ = sub.Unsubscribe(ctx)
			return nil, err
		}
		return sub, nil
	}
	if err := entry.ch.Subscribe(ctx, m.statusFunc(name, onStatus)); err != nil {
		_ = sub.Unsubscribe(ctx)
		return nil, err
	}
	return sub, nil
}

// superviseEntry hands entry to the supervisor. A channel first opened by a
// publisher, or one the supervisor gave up on, is registered again with
// fresh health and joined now. Join failures are left to the supervisor.
func (m *Manager) superviseEntry(ctx context.Context, name string, entry *managed, existed bool, onStatus StatusFunc) {
	m.mu.Lock()
	fresh := !entry.supervised
	entry.supervised = true
	m.mu.Unlock()

	if !fresh {
		h, ok := m.supervisor.HealthOf(name)
		if ok && h.State != Failed {
			return
		}
	}
	m.supervisor.AddChannel(entry.ch)

	var err error
	switch {
	case !existed:
		err = entry.ch.Subscribe(ctx, m.statusFunc(name, onStatus))
	case entry.ch.State() == StateErrored, entry.ch.State() == StateClosed:
		err = entry.ch.Resubscribe(ctx)
	}
	if err != nil {
		m.log.Warnf("joining %s failed, supervisor will retry: %v", name, err)
	}
}

// acquire returns the entry for name, creating it if needed, and takes a
// reference. Publishers hold a single reference for the manager lifetime.
func (m *Manager) acquire(name string, publisher bool) (*managed, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.channels[name]
	if !ok {
		sock, err := m.provider.Connection()
		if err != nil {
			return nil, false, err
		}
		entry = &managed{ch: sock.Channel(name, m.channelConfig())}
		m.channels[name] = entry
	}
	if publisher {
		if entry.publisher {
			return entry, ok, nil
		}
		entry.publisher = true
	}
	entry.refs++
	return entry, ok, nil
}

// revive rejoins an unsupervised channel that errored or closed before a
// new caller asked for it.
func (m *Manager) revive(ctx context.Context, entry *managed) error {
	m.mu.Lock()
	supervised := entry.supervised
	m.mu.Unlock()
	if supervised {
		return nil
	}
	switch entry.ch.State() {
	case StateErrored, StateClosed:
		return entry.ch.Resubscribe(ctx)
	}
	return nil
}

func (m *Manager) release(ctx context.Context, name string, entry *managed) error {
	m.mu.Lock()
	entry.refs--
	if entry.refs > 0 || m.channels[name] != entry {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, name)
	supervised := entry.supervised
	m.mu.Unlock()

	if supervised && m.supervisor != nil {
		m.supervisor.RemoveChannel(name)
	}
	return entry.ch.Unsubscribe(ctx)
}

func (m *Manager) publish(ctx context.Context, name, event string, payload any) error {
	entry, existed, err := m.acquire(name, true)
	if err != nil {
		return err
	}
	if !existed {
		if err := entry.ch.Subscribe(ctx, m.statusFunc(name, nil)); err != nil {
			return err
		}
	} else if err := m.revive(ctx, entry); err != nil {
		return err
	}
	return entry.ch.Send(ctx, event, payload)
}

func (m *Manager) statusFunc(name string, next StatusFunc) StatusFunc {
	return func(status SubscribeStatus, err error) {
		switch status {
		case StatusSubscribed:
			m.log.Debugf("%s subscribed", name)
		case StatusClosed:
			m.log.Debugf("%s closed", name)
		default:
			m.log.Warnf("%s: %s: %v", name, status, err)
		}
		if next != nil {
			next(status, err)
		}
	}
}
