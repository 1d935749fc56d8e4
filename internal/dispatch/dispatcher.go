// Package dispatch drives queued entries through the delivery strategies,
// one entry at a time, ending in the clipboard when every strategy fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/metrics"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/session"
	"github.com/austindbirch/starbridge/internal/tracing"
)

// ErrTransportUnavailable means a collaborator needed before any delivery
// (the queue claim or the session snapshot) failed. No strategy was tried.
var ErrTransportUnavailable = errors.New("dispatch: transport unavailable")

// Status is the terminal state of one DispatchNext call.
type Status string

const (
	StatusEmpty  Status = "empty"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Result describes one DispatchNext call.
type Result struct {
	Status  Status `json:"status"`
	EntryID string `json:"entryId,omitempty"`
	Title   string `json:"title,omitempty"`
	// Strategy is the strategy that succeeded, empty on failure.
	Strategy string `json:"strategy,omitempty"`
	// Outcome is the succeeding outcome, or the last failure.
	Outcome   delivery.Outcome   `json:"outcome"`
	Attempts  []delivery.Attempt `json:"attempts,omitempty"`
	Clipboard bool               `json:"clipboard,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// Summary aggregates a DispatchAll run.
type Summary struct {
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// Queue is the part of the delivery queue the dispatcher drives.
type Queue interface {
	PeekNextPending() (queue.Entry, bool)
	Begin(id string) error
	Release(id string)
	MarkSent(id string) error
	MarkFailed(id, reason string) error
	Size() int
}

// StateSource snapshots the target session.
type StateSource interface {
	CurrentState(ctx context.Context) (session.State, error)
}

// Handoff is the terminal clipboard step.
type Handoff interface {
	Copy(rec content.Record) error
}

// Journal records finished deliveries.
type Journal interface {
	Record(ctx context.Context, r Result) error
}

// DeadLetterPublisher ships entries that exhausted every strategy.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Dispatcher serializes deliveries: the target page is one shared view and
// cannot take two dialogs at once.
type Dispatcher struct {
	mu          sync.Mutex
	queue       Queue
	states      StateSource
	strategies  []delivery.Strategy
	handoff     Handoff
	notifier    Notifier
	journal     Journal
	deadLetters DeadLetterPublisher
	now         func() time.Time
	logger      *logging.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetters = p }
}

// New returns a dispatcher trying strategies in the given order. Use
// delivery.Order to put the configured preference first.
func New(q Queue, states StateSource, strategies []delivery.Strategy, handoff Handoff, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:      q,
		states:     states,
		strategies: strategies,
		handoff:    handoff,
		notifier:   NewFeed(1),
		now:        time.Now,
		logger:     logging.New("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lock holds the dispatcher's view lock for callers that touch the same
// browser view outside a delivery, such as the diagnostic dump.
func (d *Dispatcher) Lock()   { d.mu.Lock() }
func (d *Dispatcher) Unlock() { d.mu.Unlock() }

// TryLock takes the view lock only when no delivery is running.
func (d *Dispatcher) TryLock() bool { return d.mu.TryLock() }

// DispatchNext delivers the oldest pending entry. It returns StatusEmpty
// when nothing is pending.
func (d *Dispatcher) DispatchNext(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchNextLocked(ctx)
}

// DispatchAll delivers pending entries in FIFO order until none remain.
// Entries that fail stay in the queue as failed and are not revisited.
func (d *Dispatcher) DispatchAll(ctx context.Context) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drainLocked(ctx)
}

func (d *Dispatcher) drainLocked(ctx context.Context) (Summary, error) {
	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := d.dispatchNextLocked(ctx)
		if err != nil {
			return sum, err
		}
		switch res.Status {
		case StatusEmpty:
			return sum, nil
		case StatusSent:
			sum.Sent++
		case StatusFailed:
			sum.Failed++
		}
		sum.Results = append(sum.Results, res)
	}
}

func (d *Dispatcher) dispatchNextLocked(ctx context.Context) (Result, error) {
	entry, ok := d.queue.PeekNextPending()
	if !ok {
		return Result{Status: StatusEmpty}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.entry", tracing.AttrEntryID.String(entry.ID))
	defer span.End()

	if err := d.queue.Begin(entry.ID); err != nil {
		err = fmt.Errorf("%w: claim %s: %w", ErrTransportUnavailable, entry.ID, err)
		tracing.SetSpanError(ctx, err)
		d.notify(LevelError, entry.ID, "Queue unavailable: "+err.Error())
		return Result{}, err
	}

	st, err := d.states.CurrentState(ctx)
	if err != nil {
		d.queue.Release(entry.ID)
		err = fmt.Errorf("%w: session: %w", ErrTransportUnavailable, err)
		tracing.SetSpanError(ctx, err)
		d.notify(LevelError, entry.ID, "Target session unavailable: "+err.Error())
		return Result{}, err
	}
	span.SetAttributes(tracing.AttrContainerID.String(st.ContainerID))

	start := d.now()
	res := Result{EntryID: entry.ID, Title: entry.Record.Title}

	d.entryLog(ctx, entry.ID).WithContainer(st.ContainerID).WithField("view", string(st.Kind)).Info("delivery started")

	for i, s := range d.strategies {
		att := d.attempt(ctx, s, entry.Record, st)
		res.Attempts = append(res.Attempts, att)
		res.Outcome = att.Outcome

		if att.Outcome.Succeeded() {
			res.Strategy = s.Name()
			break
		}
		if i < len(d.strategies)-1 {
			metrics.RecordFallback(s.Name(), string(att.Outcome.Kind))
			d.entryLog(ctx, entry.ID).WithStrategy(s.Name()).
				WithField("outcome", att.Outcome.String()).
				WithField("next", d.strategies[i+1].Name()).
				Info("strategy failed, switching")
		}
	}
	res.Duration = d.now().Sub(start)

	if res.Strategy != "" {
		d.finishSent(ctx, entry, &res)
	} else {
		d.finishFailed(ctx, entry, &res)
	}
	span.SetAttributes(tracing.AttrOutcome.String(string(res.Status)))

	if d.journal != nil {
		if err := d.journal.Record(ctx, res); err != nil {
			d.entryLog(ctx, entry.ID).WithError(err).Warn("journal write failed")
		}
	}
	return res, nil
}

func (d *Dispatcher) attempt(ctx context.Context, s delivery.Strategy, rec content.Record, st session.State) delivery.Attempt {
	ctx, span := tracing.StartSpan(ctx, "dispatch.attempt", tracing.AttrStrategy.String(s.Name()))
	defer span.End()

	started := d.now()
	out := s.Attempt(ctx, rec, st)
	took := d.now().Sub(started)

	span.SetAttributes(tracing.AttrOutcome.String(string(out.Kind)))
	if !out.Succeeded() {
		tracing.SetSpanError(ctx, errors.New(out.String()))
	}
	metrics.RecordAttempt(s.Name(), string(out.Kind), took)

	return delivery.Attempt{Strategy: s.Name(), Outcome: out, StartedAt: started, Duration: took}
}

func (d *Dispatcher) finishSent(ctx context.Context, entry queue.Entry, res *Result) {
	res.Status = StatusSent
	if err := d.queue.MarkSent(entry.ID); err != nil {
		// removed by the user while in flight
		d.entryLog(ctx, entry.ID).WithError(err).Warn("mark sent")
	}

	d.entryLog(ctx, entry.ID).WithStrategy(res.Strategy).WithField("outcome", res.Outcome.String()).Info("delivery succeeded")
	if res.Outcome.Kind == delivery.KindPartial {
		d.notify(LevelWarning, entry.ID, fmt.Sprintf("%q is in the add-source dialog; confirm it by hand", entry.Record.Title))
		return
	}
	d.notify(LevelSuccess, entry.ID, fmt.Sprintf("Added %q as a source", entry.Record.Title))
}

func (d *Dispatcher) finishFailed(ctx context.Context, entry queue.Entry, res *Result) {
	res.Status = StatusFailed
	reason := failureReason(res.Attempts)

	copyErr := d.handoff.Copy(entry.Record)
	res.Clipboard = copyErr == nil

	if err := d.queue.MarkFailed(entry.ID, reason); err != nil {
		d.entryLog(ctx, entry.ID).WithError(err).Warn("mark failed")
	}

	if copyErr != nil {
		d.entryLog(ctx, entry.ID).WithError(copyErr).WithField("reason", reason).Error("delivery failed, clipboard unavailable")
		d.notify(LevelError, entry.ID, fmt.Sprintf("Could not add %q: %s", entry.Record.Title, reason))
	} else {
		d.entryLog(ctx, entry.ID).WithField("reason", reason).Warn("delivery failed, copied to clipboard")
		d.notify(LevelWarning, entry.ID, fmt.Sprintf("Could not add %q automatically; copied to clipboard", entry.Record.Title))
	}

	if d.deadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(failedEntry(entry, reason), res.Attempts, res.Clipboard, reason)
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	if err := d.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		d.entryLog(ctx, entry.ID).WithError(err).Warn("publish dead letter")
		return
	}
	metrics.RecordDeadLetter()
}

func (d *Dispatcher) entryLog(ctx context.Context, id string) *logging.LogEntry {
	return d.logger.WithContext(ctx).WithEntry(id)
}

func (d *Dispatcher) notify(level Level, entryID, msg string) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(Notice{At: d.now(), Level: level, Message: msg, EntryID: entryID})
}

// failureReason joins every attempt as "strategy: outcome".
func failureReason(attempts []delivery.Attempt) string {
	if len(attempts) == 0 {
		return "no strategy configured"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.Strategy+": "+a.Outcome.String())
	}
	return strings.Join(parts, "; ")
}

// failedEntry is the entry as the queue holds it after Begin and MarkFailed.
func failedEntry(e queue.Entry, reason string) queue.Entry {
	e.Status = queue.StatusFailed
	e.LastError = reason
	e.InFlight = false
	e.Attempts++
	return e
}
