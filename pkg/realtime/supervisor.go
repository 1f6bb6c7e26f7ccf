package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rubiojr/pulse/pkg/log"
)

// Supervised is a channel the Supervisor can watch and recover.
type Supervised interface {
	Name() string
	State() ChannelState
	Resubscribe(ctx context.Context) error
}

// HealthState is the supervisor's view of one channel.
type HealthState string

const (
	Healthy    HealthState = "healthy"
	Recovering HealthState = "recovering"
	// Failed is terminal; the supervisor no longer touches the channel.
	Failed HealthState = "failed"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxAttempts    = 5
)

// SupervisorConfig bounds recovery.
type SupervisorConfig struct {
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// ChannelHealth reports the recovery state of one supervised channel.
type ChannelHealth struct {
	Name        string
	State       HealthState
	Attempts    int
	Delay       time.Duration
	NextAttempt time.Time
	LastError   error
}

type supervised struct {
	ch Supervised
	ChannelHealth
}

// Supervisor polls registered channels and resubscribes failed ones with
// bounded exponential backoff. The first attempt runs as soon as a failure
// is observed; every failed attempt doubles the wait, capped at MaxBackoff.
type Supervisor struct {
	cfg    SupervisorConfig
	log    *log.Logger
	status *StatusTracker

	mu       sync.Mutex
	entries  map[string]*supervised
	onFailed func(name string, err error)
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		log:     log.ForService("supervisor"),
		status:  NewStatusTracker(StatusConnected),
		entries: make(map[string]*supervised),
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() SupervisorConfig {
	return s.cfg
}

// Status exposes the aggregated connection status.
func (s *Supervisor) Status() *StatusTracker {
	return s.status
}

// OnFailed sets the callback invoked once when a channel exhausts its
// attempts.
func (s *Supervisor) OnFailed(fn func(name string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = fn
}

// AddChannel registers ch. Registering a name again replaces the previous
// entry and resets its health.
func (s *Supervisor) AddChannel(ch Supervised) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ch.Name()] = &supervised{
		ch:            ch,
		ChannelHealth: ChannelHealth{Name: ch.Name(), State: Healthy, Delay: s.cfg.InitialBackoff},
	}
	s.log.Debugf("supervising %s", ch.Name())
}

// RemoveChannel stops supervising name.
func (s *Supervisor) RemoveChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Health returns the state of every supervised channel, sorted by name.
func (s *Supervisor) Health() []ChannelHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelHealth, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.ChannelHealth)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthOf returns the state of the channel registered as name.
func (s *Supervisor) HealthOf(name string) (ChannelHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return ChannelHealth{}, false
	}
	return e.ChannelHealth, true
}

// Run samples channel health every PollInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Infof("supervisor started (poll %s, max %d attempts)", s.cfg.PollInterval, s.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Check(ctx, now)
		}
	}
}

// Check runs one health sample at now.
func (s *Supervisor) Check(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*supervised, 0, len(s.entries))
	for _, e := range s.entries {
		switch e.State {
		case Failed:
			continue
		case Healthy:
			st := e.ch.State()
			if st != StateErrored && st != StateClosed {
				continue
			}
			e.State = Recovering
			e.Attempts = 0
			e.Delay = s.cfg.InitialBackoff
			e.NextAttempt = now
			s.log.Warnf("channel %s is %s, recovering", e.Name, st)
		case Recovering:
			if e.ch.State() == StateJoined {
				s.recovered(e)
				continue
			}
		}
		if !now.Before(e.NextAttempt) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		err := e.ch.Resubscribe(ctx)
		s.record(e, now, err)
	}

	s.updateStatus()
}

func (s *Supervisor) record(e *supervised, now time.Time, err error) {
	s.mu.Lock()
	if s.entries[e.Name] != e {
		// Removed while the attempt was running.
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.recovered(e)
		s.mu.Unlock()
		return
	}

	e.Attempts++
	e.LastError = err
	if e.Attempts >= s.cfg.MaxAttempts {
		e.State = Failed
		onFailed := s.onFailed
		s.mu.Unlock()
		s.log.Errorf("channel %s failed after %d attempts: %v", e.Name, e.Attempts, err)
		if onFailed != nil {
			onFailed(e.Name, err)
		}
		return
	}
	e.NextAttempt = now.Add(e.Delay)
	s.log.Warnf("resubscribe %s failed (attempt %d/%d), retrying in %s: %v",
		e.Name, e.Attempts, s.cfg.MaxAttempts, e.Delay, err)
	e.Delay *= 2
	if e.Delay > s.cfg.MaxBackoff {
		e.Delay = s.cfg.MaxBackoff
	}
	s.mu.Unlock()
}

// recovered resets e. Caller holds s.mu.
func (s *Supervisor) recovered(e *supervised) {
	if e.Attempts > 0 || e.State != Healthy {
		s.log.Infof("channel %s recovered", e.Name)
	}
	e.State = Healthy
	e.Attempts = 0
	e.Delay = s.cfg.InitialBackoff
	e.NextAttempt = time.Time{}
	e.LastError = nil
}

func (s *Supervisor) updateStatus() {
	s.mu.Lock()
	var recovering, failed int
	for _, e := range s.entries {
		switch e.State {
		case Recovering:
			recovering++
		case Failed:
			failed++
		}
	}
	s.mu.Unlock()

	switch {
	case recovering > 0:
		s.status.Set(StatusReconnecting)
	case failed > 0:
		s.status.Set(StatusOffline)
	default:
		s.status.Set(StatusConnected)
	}
}
