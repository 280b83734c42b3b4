// Package broadcast turns a curated set of messaging lists into one bulk
// send run against a tenant's live session, surfacing per-recipient
// progress on the event bus.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "wacast/pkg/logx"

	"wacast/internal/eventbus"
	"wacast/internal/transport"
)

var (
	ErrClientIDRequired   = errors.New("client id is required")
	ErrNoLists            = errors.New("at least one list id is required")
	ErrTransportNotActive = errors.New("transport not active")
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	ListMembers(ctx context.Context, clientID string, listIDs []int64) ([]string, error)
	CreateBroadcast(ctx context.Context, owner, content string, listIDs []int64) (int64, error)
}

// Sessions resolves a tenant's live session. The session registry
// implements it.
type Sessions interface {
	Live(clientID string) (transport.Session, bool)
}

// Config tunes send pacing.
//
// The jitter bounds and the post-error delay match the upstream service's
// observed rate-limit behavior; change them only with a documented reason.
type Config struct {
	MinDelay   time.Duration // after a successful send, lower jitter bound (default 200ms)
	MaxDelay   time.Duration // after a successful send, upper jitter bound (default 3s)
	ErrorDelay time.Duration // after a failed send (default 500ms)
	RatePerSec int           // optional global cap across runs; 0 disables
}

type Request struct {
	ClientID   string
	Content    string
	ListIDs    []int64
	Attachment []byte
	MimeType   string
}

type Result struct {
	Success     bool
	Message     string
	BroadcastID int64
	Recipients  []string
}

type Dispatcher struct {
	cfg      Config
	db       Store
	sessions Sessions
	bus      eventbus.Bus
	log      logx.Logger

	limiter *rate.Limiter
	runWG   sync.WaitGroup
}

func NewDispatcher(cfg Config, db Store, sessions Sessions, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = 3 * time.Second
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 500 * time.Millisecond
	}
	d := &Dispatcher{cfg: cfg, db: db, sessions: sessions, bus: bus, log: log}
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return d
}

// Dispatch resolves and deduplicates the recipients, persists the broadcast
// and starts the background send loop. It returns synchronously; progress
// and completion arrive on the bus tagged with the returned broadcast id.
//
// An empty resolved recipient set is a no-op: nothing is persisted and no
// events are published.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.ClientID == "" {
		return Result{}, ErrClientIDRequired
	}
	if len(req.ListIDs) == 0 {
		return Result{}, ErrNoLists
	}

	log := d.log.With(logx.String("client", req.ClientID))
	log.Info("broadcast requested",
		logx.Int("lists", len(req.ListIDs)),
		logx.Bool("attachment", req.Attachment != nil))

	members, err := d.db.ListMembers(ctx, req.ClientID, req.ListIDs)
	if err != nil {
		return Result{}, fmt.Errorf("resolving list members: %w", err)
	}
	if len(members) == 0 {
		log.Warn("no members found in selected lists")
		return Result{Success: false, Message: "no members found in selected lists"}, nil
	}

	recipients := dedup(members)
	log.Info("recipients resolved", logx.Int("unique", len(recipients)))

	sess, ok := d.sessions.Live(req.ClientID)
	if !ok {
		log.Error("no live session for broadcast")
		return Result{}, ErrTransportNotActive
	}

	id, err := d.db.CreateBroadcast(ctx, req.ClientID, req.Content, req.ListIDs)
	if err != nil {
		log.Error("recording broadcast failed", logx.Err(err))
		return Result{}, fmt.Errorf("recording broadcast: %w", err)
	}

	d.runWG.Add(1)
	go d.run(id, req, sess, recipients)

	return Result{
		Success:     true,
		Message:     fmt.Sprintf("broadcast %d started to %d recipients", id, len(recipients)),
		BroadcastID: id,
		Recipients:  recipients,
	}, nil
}

// Wait blocks until every in-flight run has finished. Runs have no
// cancellation; shutdown waits for them or abandons them with the caller's
// context.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("abandoning in-flight broadcast runs")
	}
}

// run is the supervised background send loop for one broadcast.
func (d *Dispatcher) run(id int64, req Request, sess transport.Session, recipients []string) {
	defer d.runWG.Done()

	log := d.log.With(logx.Int64("broadcast", id), logx.String("client", req.ClientID))
	start := time.Now()

	var successCount, errorCount, terminals int
	completed := false

	// A panic mid-run must still yield exactly one completion event;
	// every recipient without a terminal status counts as failed.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in broadcast run",
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
			if !completed {
				errorCount += len(recipients) - terminals
				d.publishComplete(id, req.ClientID, successCount, errorCount)
			}
		}
	}()

	msg := transport.Outgoing{Text: req.Content, Attachment: req.Attachment, MimeType: req.MimeType}

	for _, jid := range recipients {
		d.publishProgress(id, req.ClientID, jid, eventbus.StatusSending, "")

		if d.limiter != nil {
			_ = d.limiter.Wait(context.Background())
		}

		if err := sess.SendMessage(context.Background(), jid, msg); err != nil {
			log.Error("send failed", logx.String("jid", jid), logx.Err(err))
			errorCount++
			terminals++
			d.publishProgress(id, req.ClientID, jid, eventbus.StatusError, err.Error())
			time.Sleep(d.cfg.ErrorDelay)
			continue
		}

		successCount++
		terminals++
		d.publishProgress(id, req.ClientID, jid, eventbus.StatusSent, "")
		time.Sleep(d.jitter())
	}

	completed = true
	d.publishComplete(id, req.ClientID, successCount, errorCount)

	log.Info("broadcast finished",
		logx.Int("success", successCount),
		logx.Int("errors", errorCount),
		logx.Duration("dur", time.Since(start)))
}

func (d *Dispatcher) publishProgress(id int64, clientID, jid string, status eventbus.SendStatus, sendErr string) {
	d.bus.Publish(eventbus.Event{
		Kind:        eventbus.KindBroadcastProgress,
		ClientID:    clientID,
		BroadcastID: id,
		Progress:    &eventbus.ProgressPayload{JID: jid, Status: status, Error: sendErr},
	})
}

func (d *Dispatcher) publishComplete(id int64, clientID string, successCount, errorCount int) {
	status := eventbus.Completed
	if errorCount > 0 {
		status = eventbus.CompletedWithErrors
	}
	d.bus.Publish(eventbus.Event{
		Kind:        eventbus.KindBroadcastComplete,
		ClientID:    clientID,
		BroadcastID: id,
		Complete: &eventbus.CompletePayload{
			Status:       status,
			SuccessCount: successCount,
			ErrorCount:   errorCount,
		},
	})
}

func (d *Dispatcher) jitter() time.Duration {
	span := d.cfg.MaxDelay - d.cfg.MinDelay
	if span <= 0 {
		return d.cfg.MinDelay
	}
	return d.cfg.MinDelay + time.Duration(rand.Int63n(int64(span)+1))
}

// dedup keeps the first occurrence of each jid, preserving list order.
func dedup(jids []string) []string {
	seen := make(map[string]struct{}, len(jids))
	out := make([]string, 0, len(jids))
	for _, jid := range jids {
		if _, ok := seen[jid]; ok {
			continue
		}
		seen[jid] = struct{}{}
		out = append(out, jid)
	}
	return out
}
