package queue

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/starbridge/internal/content"
)

func rec(title string) content.Record {
	return content.Record{Title: title, Body: "body of " + title}
}

func mustEnqueue(t *testing.T, q *Queue, title string) string {
	t.Helper()
	id, err := q.Enqueue(rec(title))
	require.NoError(t, err)
	return id
}

func TestEnqueueAssignsIDs(t *testing.T) {
	q := New()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := mustEnqueue(t, q, fmt.Sprintf("n%d", i))
		assert.True(t, strings.HasPrefix(id, IDPrefix), "id %q lacks prefix", id)
		assert.Len(t, id, len(IDPrefix)+26)
		assert.Equal(t, strings.ToLower(id), id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
	assert.Equal(t, 50, q.Size())
}

func TestEnqueueRejectsInvalidRecord(t *testing.T) {
	q := New()

	_, err := q.Enqueue(content.Record{Title: ""})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.ErrorIs(t, err, content.ErrEmptyTitle)
	assert.Equal(t, 0, q.Size())
}

func TestPeekNextPendingFIFO(t *testing.T) {
	q := New()
	a := mustEnqueue(t, q, "a")
	b := mustEnqueue(t, q, "b")
	c := mustEnqueue(t, q, "c")

	e, ok := q.PeekNextPending()
	require.True(t, ok)
	assert.Equal(t, a, e.ID)

	// failing a middle entry does not disturb ordering
	require.NoError(t, q.MarkFailed(b, "both strategies failed"))
	e, _ = q.PeekNextPending()
	assert.Equal(t, a, e.ID)

	require.NoError(t, q.MarkSent(a))
	e, _ = q.PeekNextPending()
	assert.Equal(t, c, e.ID)

	// retried entries regain their original position
	require.NoError(t, q.Retry(b))
	e, _ = q.PeekNextPending()
	assert.Equal(t, b, e.ID)
}

func TestPeekNextPendingEmpty(t *testing.T) {
	q := New()
	_, ok := q.PeekNextPending()
	assert.False(t, ok)

	id := mustEnqueue(t, q, "a")
	require.NoError(t, q.MarkFailed(id, "x"))
	_, ok = q.PeekNextPending()
	assert.False(t, ok, "failed entries are not pending")
}

func TestMarkSentAbsentIsNoop(t *testing.T) {
	q := New()
	mustEnqueue(t, q, "a")

	assert.NotPanics(t, func() {
		err := q.MarkSent("note-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	assert.Equal(t, 1, q.Size())
}

func TestMarkSentRemovesEntry(t *testing.T) {
	q := New()
	id := mustEnqueue(t, q, "a")

	require.NoError(t, q.MarkSent(id))
	_, ok := q.Get(id)
	assert.False(t, ok)
	assert.Empty(t, q.List())

	assert.ErrorIs(t, q.MarkSent(id), ErrNotFound)
}

func TestFailedEntriesAreRetained(t *testing.T) {
	q := New()
	a := mustEnqueue(t, q, "a")
	mustEnqueue(t, q, "b")
	require.Equal(t, 2, q.Size())

	require.NoError(t, q.MarkFailed(a, "clipboard fallback"))

	assert.Equal(t, 1, q.Size())
	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Equal(t, "clipboard fallback", list[0].LastError)
	assert.Equal(t, Stats{Pending: 1, Failed: 1}, q.Stats())

	q.Clear()
	assert.Empty(t, q.List())
	assert.Equal(t, 0, q.Size())
}

func TestClearIdempotent(t *testing.T) {
	q := New()
	mustEnqueue(t, q, "a")
	mustEnqueue(t, q, "b")

	q.Clear()
	assert.Equal(t, 0, q.Size())
	q.Clear()
	assert.Equal(t, 0, q.Size())
}

func TestBeginClaims(t *testing.T) {
	q := New()
	id := mustEnqueue(t, q, "a")

	require.NoError(t, q.Begin(id))
	assert.ErrorIs(t, q.Begin(id), ErrInFlight)
	assert.ErrorIs(t, q.Remove(id), ErrInFlight)

	e, _ := q.Get(id)
	assert.True(t, e.InFlight)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, 1, q.Stats().InFlight)

	require.NoError(t, q.MarkFailed(id, "x"))
	assert.ErrorIs(t, q.Begin(id), ErrNotPending)

	require.NoError(t, q.Retry(id))
	require.NoError(t, q.Begin(id))
	q.Release(id)
	require.NoError(t, q.Begin(id))

	e, _ = q.Get(id)
	assert.Equal(t, 3, e.Attempts)

	assert.ErrorIs(t, q.Begin("note-missing"), ErrNotFound)
}

func TestRetryRequiresFailed(t *testing.T) {
	q := New()
	id := mustEnqueue(t, q, "a")

	assert.ErrorIs(t, q.Retry(id), ErrNotFailed)
	assert.ErrorIs(t, q.Retry("note-missing"), ErrNotFound)
}

func TestRemove(t *testing.T) {
	q := New()
	a := mustEnqueue(t, q, "a")
	b := mustEnqueue(t, q, "b")

	require.NoError(t, q.Remove(a))
	assert.ErrorIs(t, q.Remove(a), ErrNotFound)

	list := q.List()
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].ID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	q := New()
	id, err := q.Enqueue(content.Record{Title: "a", Metadata: &content.Metadata{Tags: []string{"#x"}}})
	require.NoError(t, err)

	e, _ := q.Get(id)
	e.Record.Metadata.Tags[0] = "#changed"
	e.Status = StatusSent

	again, _ := q.Get(id)
	assert.Equal(t, "#x", again.Record.Metadata.Tags[0])
	assert.Equal(t, StatusPending, again.Status)
}

func TestOnChangeReportsPending(t *testing.T) {
	var got []int
	q := New(WithOnChange(func(n int) { got = append(got, n) }))

	a := mustEnqueue(t, q, "a")
	b := mustEnqueue(t, q, "b")
	require.NoError(t, q.MarkFailed(a, "x"))
	require.NoError(t, q.MarkSent(b))
	require.NoError(t, q.Retry(a))
	q.Clear()

	assert.Equal(t, []int{1, 2, 1, 0, 1, 0}, got)
}

func TestSizeConsistentUnderConcurrency(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	ids := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := q.Enqueue(rec(fmt.Sprintf("n%d", i)))
			if err == nil {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	sent := 0
	for id := range ids {
		if sent < 50 {
			require.NoError(t, q.MarkSent(id))
			sent++
		}
	}

	assert.Equal(t, 150, q.Size())
	assert.Len(t, q.List(), 150)
}
