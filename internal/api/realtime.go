package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"villaops/internal/models"
	"villaops/internal/realtime"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const (
	realtimePrefix = "/realtime"

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionWatch       = "watch"
	actionUnwatch     = "unwatch"

	messageUpdate   = "update"
	messageProgress = "progress"
	messageError    = "error"

	realtimeOutbox = 32
)

type clientMessage struct {
	Action          string          `json:"action"`
	Filter          realtime.Filter `json:"filter"`
	JobIDs          []string        `json:"job_ids,omitempty"`
	IntervalSeconds int             `json:"interval_seconds,omitempty"`
}

type serverMessage struct {
	Type      string                     `json:"type"`
	Update    *realtime.Update           `json:"update,omitempty"`
	Snapshots []*models.ProgressSnapshot `json:"snapshots,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

type realtimeHandler struct {
	svc    Services
	logger zerolog.Logger
}

func newRealtimeHandler(svc Services, logger zerolog.Logger) *realtimeHandler {
	return &realtimeHandler{svc: svc, logger: logger.With().Str("transport", "sockjs").Logger()}
}

// realtimeConn is one browser connection. It holds at most one sync
// subscription and one progress watch at a time.
type realtimeConn struct {
	h   *realtimeHandler
	ctx context.Context
	out chan serverMessage
	wg  sync.WaitGroup

	sub         *realtime.Session
	subCancel   context.CancelFunc
	watchCancel context.CancelFunc
}

func (h *realtimeHandler) serve(session sockjs.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &realtimeConn{h: h, ctx: ctx, out: make(chan serverMessage, realtimeOutbox)}
	log := h.logger.With().Str("session", session.ID()).Logger()
	log.Debug().Msg("realtime client connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		failed := false
		for msg := range c.out {
			if failed {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Msg("encode realtime message")
				continue
			}
			if err := session.Send(string(payload)); err != nil {
				failed = true
				cancel()
			}
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			c.send(serverMessage{Type: messageError, Error: "invalid message: " + err.Error()})
			continue
		}
		c.handle(msg)
	}

	c.stopSubscription()
	c.stopWatch()
	cancel()
	c.wg.Wait()
	close(c.out)
	<-written
	log.Debug().Msg("realtime client disconnected")
}

func (c *realtimeConn) handle(msg clientMessage) {
	switch msg.Action {
	case actionSubscribe:
		c.subscribe(msg.Filter)
	case actionUnsubscribe:
		c.stopSubscription()
	case actionWatch:
		c.watch(msg.JobIDs, time.Duration(msg.IntervalSeconds)*time.Second)
	case actionUnwatch:
		c.stopWatch()
	default:
		c.send(serverMessage{Type: messageError, Error: "unknown action " + msg.Action})
	}
}

func (c *realtimeConn) subscribe(filter realtime.Filter) {
	if c.h.svc.Sync == nil {
		c.send(serverMessage{Type: messageError, Error: "sync is disabled"})
		return
	}
	c.stopSubscription()

	ctx, cancel := context.WithCancel(c.ctx)
	session, err := c.h.svc.Sync.Subscribe(ctx, filter)
	if err != nil {
		cancel()
		c.send(serverMessage{Type: messageError, Error: err.Error()})
		return
	}
	c.sub = session
	c.subCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for update := range session.Updates() {
			if !c.send(serverMessage{Type: messageUpdate, Update: &update}) {
				return
			}
		}
	}()
}

func (c *realtimeConn) stopSubscription() {
	if c.sub == nil {
		return
	}
	_ = c.h.svc.Sync.Unsubscribe(c.sub.ID)
	c.subCancel()
	c.sub = nil
	c.subCancel = nil
}

func (c *realtimeConn) watch(jobIDs []string, every time.Duration) {
	if c.h.svc.Tracker == nil {
		c.send(serverMessage{Type: messageError, Error: "progress tracking is disabled"})
		return
	}
	if len(jobIDs) == 0 {
		c.send(serverMessage{Type: messageError, Error: "job_ids is required"})
		return
	}
	c.stopWatch()

	ctx, cancel := context.WithCancel(c.ctx)
	c.watchCancel = cancel
	snapshots := c.h.svc.Tracker.Watch(ctx, jobIDs, every)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for batch := range snapshots {
			if !c.send(serverMessage{Type: messageProgress, Snapshots: batch}) {
				return
			}
		}
	}()
}

func (c *realtimeConn) stopWatch() {
	if c.watchCancel == nil {
		return
	}
	c.watchCancel()
	c.watchCancel = nil
}

func (c *realtimeConn) send(msg serverMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}
