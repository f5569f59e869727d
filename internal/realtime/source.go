package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/rs/zerolog"
)

// ErrResumeUnsupported is returned by Open when the source cannot continue
// from the requested cursor. The session answers with a full resync.
var ErrResumeUnsupported = errors.New("sync: source cannot resume from cursor")

// OpenRequest describes one tier subscription. Resume holds the last seq
// seen per entity type; nil means start from the current head.
type OpenRequest struct {
	Tier   Tier
	Query  domain.ChangeQuery
	Resume map[string]int64
}

// Message is one item of a feed. A heartbeat carries neither event nor
// error and only proves the feed is alive.
type Message struct {
	Event     *models.ChangeEvent
	Heartbeat bool
	Err       error
}

type Feed interface {
	Messages() <-chan Message
	Close()
}

// Source opens tier feeds and takes snapshots of the change log.
type Source interface {
	Open(ctx context.Context, req OpenRequest) (Feed, error)
	// Snapshot returns the latest record of every matching entity and the
	// head the snapshot is consistent with.
	Snapshot(ctx context.Context, q domain.ChangeQuery) ([]models.ChangeEvent, map[string]int64, error)
}

// LogSource serves feeds by polling the change log.
type LogSource struct {
	log          domain.ChangeLog
	pollInterval time.Duration
	batchSize    int
	logger       *zerolog.Logger
}

func NewLogSource(log domain.ChangeLog, cfg config.SyncConfig, logger *zerolog.Logger) *LogSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &LogSource{
		log:          log,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       logger,
	}
}

// requiredIndex names the change-log index a tier's server-side filter
// depends on.
func requiredIndex(t Tier) string {
	switch t {
	case TierPrimary:
		return database.ChangeLogCompositeIndex
	case TierOptimized:
		return database.ChangeLogPropertyIndex
	}
	return ""
}

func (s *LogSource) Open(ctx context.Context, req OpenRequest) (Feed, error) {
	if name := requiredIndex(req.Tier); name != "" {
		ok, err := s.log.HasIndex(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("check index %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("tier %s needs index %s", req.Tier, name)
		}
	}

	head, err := s.log.HeadSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read change log head: %w", err)
	}

	cursor := make(map[string]int64, len(head))
	if req.Resume == nil {
		for k, v := range head {
			cursor[k] = v
		}
	} else {
		for k, v := range req.Resume {
			// A cursor beyond the head means the log was reset under us.
			if v > head[k] {
				return nil, ErrResumeUnsupported
			}
			cursor[k] = v
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	f := &logFeed{
		source: s,
		query:  req.Query,
		cursor: cursor,
		out:    make(chan Message),
		cancel: cancel,
	}
	go f.run(feedCtx)
	return f, nil
}

func (s *LogSource) Snapshot(ctx context.Context, q domain.ChangeQuery) ([]models.ChangeEvent, map[string]int64, error) {
	head, err := s.log.HeadSeq(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read change log head: %w", err)
	}
	events, err := s.log.LatestChanges(ctx, q)
	if err != nil {
		return nil, nil, fmt.Errorf("read change log snapshot: %w", err)
	}
	return events, head, nil
}

type logFeed struct {
	source *LogSource
	query  domain.ChangeQuery
	cursor map[string]int64
	out    chan Message
	cancel context.CancelFunc
	once   sync.Once
}

func (f *logFeed) Messages() <-chan Message { return f.out }

func (f *logFeed) Close() {
	f.once.Do(f.cancel)
}

func (f *logFeed) run(ctx context.Context) {
	defer close(f.out)

	ticker := time.NewTicker(f.source.pollInterval)
	defer ticker.Stop()

	for {
		if err := f.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Missing heartbeats let the session escalate.
			f.source.logger.Warn().Err(err).Msg("Change log poll failed")
		} else if !f.send(ctx, Message{Heartbeat: true}) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *logFeed) poll(ctx context.Context) error {
	after := f.after()
	for {
		q := f.query
		q.AfterSeq = after
		q.Limit = f.source.batchSize

		events, err := f.source.log.ListChanges(ctx, q)
		if err != nil {
			return err
		}
		for i := range events {
			e := events[i]
			after = e.Seq
			if e.Seq <= f.cursor[e.EntityType] {
				continue
			}
			f.cursor[e.EntityType] = e.Seq
			if !f.send(ctx, Message{Event: &e}) {
				return ctx.Err()
			}
		}
		if len(events) < q.Limit {
			break
		}
	}
	// Everything up to after has been read for every type.
	for k, v := range f.cursor {
		if v < after {
			f.cursor[k] = after
		}
	}
	return nil
}

// after is the global seq to read from: the lowest per-type cursor.
func (f *logFeed) after() int64 {
	first := true
	var min int64
	for _, v := range f.cursor {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

func (f *logFeed) send(ctx context.Context, msg Message) bool {
	select {
	case f.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
