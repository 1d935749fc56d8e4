package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/session"
)

type scriptedStrategy struct {
	name     string
	outcomes []delivery.Outcome
	seen     []string
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Attempt(_ context.Context, rec content.Record, _ session.State) delivery.Outcome {
	s.seen = append(s.seen, rec.Title)
	if len(s.outcomes) == 0 {
		return delivery.Delivered()
	}
	out := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return out
}

type fixedState struct {
	st  session.State
	err error
}

func (f fixedState) CurrentState(context.Context) (session.State, error) { return f.st, f.err }

type fakeClipboard struct {
	copied []content.Record
	err    error
}

func (f *fakeClipboard) Copy(rec content.Record) error {
	f.copied = append(f.copied, rec)
	return f.err
}

type memJournal struct{ results []Result }

func (m *memJournal) Record(_ context.Context, r Result) error {
	m.results = append(m.results, r)
	return nil
}

type memDeadLetters struct{ letters []delivery.DeadLetter }

func (m *memDeadLetters) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	m.letters = append(m.letters, dl)
	return nil
}

func readySession() fixedState {
	return fixedState{st: session.State{Kind: session.KindInsideContainer, ContainerID: "nb-1", AuthToken: "tok"}}
}

type harness struct {
	q     *queue.Queue
	rpc   *scriptedStrategy
	ui    *scriptedStrategy
	clip  *fakeClipboard
	feed  *Feed
	j     *memJournal
	dlq   *memDeadLetters
	disp  *Dispatcher
	state fixedState
}

func newHarness(t *testing.T, state fixedState, preferred string) *harness {
	t.Helper()
	h := &harness{
		q:     queue.New(),
		rpc:   &scriptedStrategy{name: delivery.StrategyRPC},
		ui:    &scriptedStrategy{name: delivery.StrategyUI},
		clip:  &fakeClipboard{},
		feed:  NewFeed(16),
		j:     &memJournal{},
		dlq:   &memDeadLetters{},
		state: state,
	}
	h.disp = New(h.q, state, delivery.Order(preferred, h.rpc, h.ui), h.clip,
		WithNotifier(h.feed), WithJournal(h.j), WithDeadLetters(h.dlq))
	return h
}

func (h *harness) enqueue(t *testing.T, title string) string {
	t.Helper()
	id, err := h.q.Enqueue(content.Record{Title: title, Body: "..."})
	require.NoError(t, err)
	return id
}

func TestDispatchNextEmpty(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Empty(t, h.feed.Recent())
}

func TestDispatchNextDeliveredByPreferred(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	id := h.enqueue(t, "Meeting Notes")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, delivery.StrategyRPC, res.Strategy)
	assert.Len(t, res.Attempts, 1)
	assert.Empty(t, h.ui.seen)
	assert.Equal(t, 0, h.q.Size())
	_, ok := h.q.Get(id)
	assert.False(t, ok, "sent entries are removed")

	notices := h.feed.Recent()
	require.Len(t, notices, 1)
	assert.Equal(t, LevelSuccess, notices[0].Level)
	assert.Equal(t, id, notices[0].EntryID)
	assert.Len(t, h.j.results, 1)
}

func TestDispatchNextFallsBackToOther(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	h.rpc.outcomes = []delivery.Outcome{delivery.NotReady("no_token")}
	h.enqueue(t, "Meeting Notes")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, delivery.StrategyUI, res.Strategy)
	assert.Equal(t, []string{"Meeting Notes"}, h.ui.seen)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, delivery.KindNotReady, res.Attempts[0].Outcome.Kind)
	assert.Len(t, h.feed.Recent(), 1, "fallbacks are not notified")
}

func TestDispatchNextPreferenceOrder(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyUI)
	h.enqueue(t, "x")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, delivery.StrategyUI, res.Strategy)
	assert.Empty(t, h.rpc.seen)
}

func TestDispatchNextPartialCountsAsSent(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyUI)
	h.ui.outcomes = []delivery.Outcome{delivery.Partial("fieldPopulated")}
	h.enqueue(t, "x")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, delivery.KindPartial, res.Outcome.Kind)
	assert.Empty(t, h.rpc.seen)
	notices := h.feed.Recent()
	require.Len(t, notices, 1)
	assert.Equal(t, LevelWarning, notices[0].Level)
}

func TestDispatchNextBothFailCopiesToClipboard(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	h.rpc.outcomes = []delivery.Outcome{delivery.EndpointError(500, "boom")}
	h.ui.outcomes = []delivery.Outcome{delivery.NotFound("OpenAddDialog", "timed out")}
	id := h.enqueue(t, "Meeting Notes")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Clipboard)
	assert.Equal(t, delivery.KindNotFound, res.Outcome.Kind)
	require.Len(t, h.clip.copied, 1)
	assert.Equal(t, "Meeting Notes", h.clip.copied[0].Title)

	e, ok := h.q.Get(id)
	require.True(t, ok, "failed entries are retained")
	assert.Equal(t, queue.StatusFailed, e.Status)
	assert.Equal(t, "rpc: endpointError(500); ui: notFound(OpenAddDialog)", e.LastError)
	assert.Equal(t, 0, h.q.Size())

	notices := h.feed.Recent()
	require.Len(t, notices, 1)
	assert.Equal(t, LevelWarning, notices[0].Level)
	assert.Contains(t, notices[0].Message, "clipboard")

	require.Len(t, h.dlq.letters, 1)
	assert.Equal(t, delivery.DLQType, h.dlq.letters[0].Type)
	assert.Equal(t, id, h.dlq.letters[0].Entry.ID)
	assert.True(t, h.dlq.letters[0].Clipboard)
}

func TestDispatchNextClipboardFailure(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	h.rpc.outcomes = []delivery.Outcome{delivery.Timeout("no result")}
	h.ui.outcomes = []delivery.Outcome{delivery.NotFound("Confirm", "")}
	h.clip.err = errors.New("no clipboard")
	h.enqueue(t, "x")

	res, err := h.disp.DispatchNext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Clipboard)
	notices := h.feed.Recent()
	require.Len(t, notices, 1)
	assert.Equal(t, LevelError, notices[0].Level)
}

func TestDispatchNextSessionUnavailable(t *testing.T) {
	h := newHarness(t, fixedState{err: errors.New("browser gone")}, delivery.StrategyRPC)
	id := h.enqueue(t, "x")

	_, err := h.disp.DispatchNext(context.Background())

	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Empty(t, h.rpc.seen)
	assert.Empty(t, h.ui.seen)
	assert.Empty(t, h.clip.copied)

	e, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.False(t, e.InFlight, "claim is released")
	require.Len(t, h.feed.Recent(), 1)
	assert.Equal(t, LevelError, h.feed.Recent()[0].Level)
}

func TestDispatchNextClaimConflict(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	id := h.enqueue(t, "x")
	require.NoError(t, h.q.Begin(id))

	_, err := h.disp.DispatchNext(context.Background())

	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, queue.ErrInFlight)
	assert.Empty(t, h.rpc.seen)
}

func TestDispatchAllFIFO(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	h.enqueue(t, "first")
	h.enqueue(t, "second")
	h.enqueue(t, "third")

	sum, err := h.disp.DispatchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sent)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, []string{"first", "second", "third"}, h.rpc.seen)
	assert.Equal(t, 0, h.q.Size())
}

func TestDispatchAllSkipsFailed(t *testing.T) {
	h := newHarness(t, readySession(), delivery.StrategyRPC)
	h.rpc.outcomes = []delivery.Outcome{delivery.EndpointError(403, ""), delivery.Delivered()}
	h.ui.outcomes = []delivery.Outcome{delivery.NotFound("OpenAddDialog", "")}
	h.enqueue(t, "first")
	h.enqueue(t, "second")

	sum, err := h.disp.DispatchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"first", "second"}, h.rpc.seen)
	assert.Len(t, h.q.List(), 1)
}

func TestAutoDispatchOnce(t *testing.T) {
	tests := []struct {
		name    string
		state   session.State
		enqueue bool
		wantRan bool
	}{
		{name: "inside notebook", state: readySession().st, enqueue: true, wantRan: true},
		{name: "list view", state: session.State{Kind: session.KindList}, enqueue: true, wantRan: false},
		{name: "empty queue", state: readySession().st, enqueue: false, wantRan: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fixedState{st: tt.state}, delivery.StrategyRPC)
			if tt.enqueue {
				h.enqueue(t, "x")
			}

			sum, ran, err := h.disp.AutoDispatchOnce(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.wantRan, ran)
			if tt.wantRan {
				assert.Equal(t, 1, sum.Sent)
			}
		})
	}
}

func TestFeedRing(t *testing.T) {
	f := NewFeed(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, msg := range []string{"a", "b", "c"} {
		f.Notify(Notice{At: base.Add(time.Duration(i) * time.Second), Level: LevelInfo, Message: msg})
	}

	got := f.Recent()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Message)
	assert.Equal(t, "c", got[1].Message)
}
