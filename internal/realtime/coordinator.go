package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"villaops/internal/config"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type UpdateKind string

const (
	UpdateEvent       UpdateKind = "event"
	UpdateTierChanged UpdateKind = "tier_changed"
	UpdateResync      UpdateKind = "resync"
	UpdateUnavailable UpdateKind = "unavailable"
)

// Update is one item delivered to a subscriber.
type Update struct {
	Kind  UpdateKind          `json:"kind"`
	Event *models.ChangeEvent `json:"event,omitempty"`
	Tier  Tier                `json:"tier,omitempty"`
	State State               `json:"state,omitempty"`
	Err   error               `json:"-"`
	Error string              `json:"error,omitempty"`
}

// Coordinator owns the live subscription sessions.
type Coordinator struct {
	source   Source
	cfg      config.SyncConfig
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *zerolog.Logger
}

func NewCoordinator(source Source, cfg config.SyncConfig, logger *zerolog.Logger) *Coordinator {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Coordinator{
		source:   source,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Subscribe starts a session. It first delivers a snapshot of the current
// state, then live changes, until ctx ends, Unsubscribe is called or every
// tier has failed.
func (c *Coordinator) Subscribe(ctx context.Context, filter Filter) (*Session, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      uuid.NewString(),
		filter:  filter,
		coord:   c,
		updates: make(chan Update, c.cfg.BufferSize),
		done:    make(chan struct{}),
		cancel:  cancel,
		machine: newMachine(),
		dedupe:  newDeduper(c.cfg.DedupeWindow),
	}
	l := c.logger.With().Str("session_id", s.ID).Logger()
	s.logger = &l

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	metrics.SessionOpened()

	go s.run(sctx)
	s.logger.Info().Msg("Sync session opened")
	return s, nil
}

// Unsubscribe stops the session and waits for it to release its feed.
func (c *Coordinator) Unsubscribe(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return &domain.NotFoundError{Entity: "session", ID: id}
	}
	s.cancel()
	<-s.done
	return nil
}

// Sessions returns the number of live sessions.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops every session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
	}
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	metrics.SessionClosed()
}

// Session is one subscriber's delivery stream. A single goroutine reads
// the active feed and delivers in commit order.
type Session struct {
	ID string

	filter  Filter
	coord   *Coordinator
	updates chan Update
	done    chan struct{}
	cancel  context.CancelFunc
	logger  *zerolog.Logger

	mu       sync.Mutex
	machine  *machine
	dedupe   *deduper
	cursor   map[string]int64
	failures []domain.TierFailure
}

func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed once the session stopped and its updates channel closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Filter() Filter { return s.filter }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

func (s *Session) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Tier()
}

func (s *Session) fire(ev Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.machine.Fire(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sync state machine rejected event")
	}
	return state
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.cancel()
		s.coord.remove(s.ID)
		close(s.updates)
		close(s.done)
		s.logger.Info().Str("state", string(s.State())).Msg("Sync session closed")
	}()

	for {
		tier := s.Tier()
		feed, err := s.setup(ctx, tier)
		if ctx.Err() != nil {
			if feed != nil {
				feed.Close()
			}
			return
		}
		if err != nil {
			s.fail(tier, EventSetupFailed, err)
			if s.State() == StateUnavailable {
				s.unavailable(ctx)
				return
			}
			continue
		}

		s.fire(EventSetupOK)
		s.logger.Info().Str("tier", string(tier)).Msg("Sync tier active")
		if !s.emit(ctx, Update{Kind: UpdateTierChanged, Tier: tier, State: StateActive}) {
			feed.Close()
			return
		}

		err = s.consume(ctx, feed)
		feed.Close()
		if ctx.Err() != nil {
			return
		}
		s.fail(tier, EventHeartbeatTimeout, err)
		if s.State() == StateUnavailable {
			s.unavailable(ctx)
			return
		}
	}
}

type setupResult struct {
	feed     Feed
	snapshot []models.ChangeEvent
	head     map[string]int64
	resync   bool
	err      error
}

// setup opens a tier within the setup timeout. The first successful setup
// mounts a snapshot; a source that cannot resume forces a resync.
func (s *Session) setup(ctx context.Context, tier Tier) (Feed, error) {
	sctx, cancel := context.WithTimeout(ctx, s.coord.cfg.SetupTimeout)
	defer cancel()

	var cursor map[string]int64
	if s.cursor != nil {
		cursor = s.cursorCopy()
	}
	results := make(chan setupResult, 1)
	go func() {
		results <- s.open(ctx, sctx, tier, cursor)
	}()

	var r setupResult
	select {
	case r = <-results:
	case <-sctx.Done():
		go func() {
			if late := <-results; late.feed != nil {
				late.feed.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("setup of tier %s timed out after %s", tier, s.coord.cfg.SetupTimeout)
	}
	if r.err != nil {
		return nil, r.err
	}

	if r.head != nil {
		if err := s.mount(ctx, r.snapshot, r.head, r.resync); err != nil {
			r.feed.Close()
			return nil, err
		}
	}
	return r.feed, nil
}

// open runs off the session goroutine and must not touch session state.
func (s *Session) open(ctx, sctx context.Context, tier Tier, cursor map[string]int64) setupResult {
	source := s.coord.source
	query := s.filter.Query(tier)

	var r setupResult
	if cursor == nil {
		events, head, err := source.Snapshot(sctx, query)
		if err != nil {
			return setupResult{err: fmt.Errorf("snapshot: %w", err)}
		}
		if head == nil {
			head = map[string]int64{}
		}
		r.snapshot, r.head, cursor = events, head, head
	}

	feed, err := source.Open(ctx, OpenRequest{Tier: tier, Query: query, Resume: cursor})
	if errors.Is(err, ErrResumeUnsupported) {
		s.logger.Warn().Str("tier", string(tier)).Msg("Source cannot resume, resyncing")
		events, head, serr := source.Snapshot(sctx, query)
		if serr != nil {
			return setupResult{err: fmt.Errorf("resync snapshot: %w", serr)}
		}
		if head == nil {
			head = map[string]int64{}
		}
		r.snapshot, r.head, r.resync = events, head, true
		feed, err = source.Open(ctx, OpenRequest{Tier: tier, Query: query, Resume: head})
	}
	if err != nil {
		return setupResult{err: err}
	}
	r.feed = feed
	return r
}

// mount delivers a snapshot and positions the cursor at its head. A resync
// resets de-duplication and includes deletions so clients can drop entities
// they still hold.
func (s *Session) mount(ctx context.Context, events []models.ChangeEvent, head map[string]int64, resync bool) error {
	if resync {
		s.dedupe = newDeduper(s.coord.cfg.DedupeWindow)
		if !s.emit(ctx, Update{Kind: UpdateResync, Tier: s.Tier()}) {
			return ctx.Err()
		}
	}
	for i := range events {
		e := events[i]
		if e.ChangeType == models.ChangeDeleted && !resync {
			s.dedupe.Accept(e)
			continue
		}
		if err := s.deliver(ctx, &e); err != nil {
			return err
		}
	}
	s.cursor = make(map[string]int64, len(head))
	for k, v := range head {
		s.cursor[k] = v
	}
	return nil
}

// consume reads the feed until it fails. Any message, heartbeats included,
// restarts the liveness timer.
func (s *Session) consume(ctx context.Context, feed Feed) error {
	timeout := s.coord.cfg.HeartbeatTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no heartbeat within %s", timeout)
		case msg, ok := <-feed.Messages():
			if !ok {
				return errors.New("feed closed")
			}
			if msg.Err != nil {
				return msg.Err
			}
			if msg.Event != nil {
				if msg.Event.Seq > s.cursor[msg.Event.EntityType] {
					s.cursor[msg.Event.EntityType] = msg.Event.Seq
				}
				if err := s.deliver(ctx, msg.Event); err != nil {
					return err
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		}
	}
}

func (s *Session) deliver(ctx context.Context, e *models.ChangeEvent) error {
	if !s.filter.Match(*e) || !s.dedupe.Accept(*e) {
		return nil
	}
	if !s.emit(ctx, Update{Kind: UpdateEvent, Event: e}) {
		return ctx.Err()
	}
	return nil
}

func (s *Session) fail(tier Tier, ev Event, err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	s.failures = append(s.failures, domain.TierFailure{Tier: string(tier), Reason: reason})
	metrics.IncEscalation(string(tier), string(ev))

	state := s.fire(ev)
	s.logger.Warn().
		Err(err).
		Str("tier", string(tier)).
		Str("state", string(state)).
		Msg("Sync tier failed")
}

// unavailable emits the single terminal update of a session.
func (s *Session) unavailable(ctx context.Context) {
	uerr := &domain.SyncUnavailableError{SessionID: s.ID, Failures: s.failures}
	s.logger.Error().Err(uerr).Msg("All sync tiers failed")
	s.emit(ctx, Update{Kind: UpdateUnavailable, State: StateUnavailable, Err: uerr, Error: uerr.Error()})
}

func (s *Session) emit(ctx context.Context, u Update) bool {
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) cursorCopy() map[string]int64 {
	out := make(map[string]int64, len(s.cursor))
	for k, v := range s.cursor {
		out[k] = v
	}
	return out
}
