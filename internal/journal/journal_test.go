package journal

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/dispatch"
)

type call struct {
	sql  string
	args []any
}

// fakeDB records statements and serves canned rows.
type fakeDB struct {
	execs    []call
	queries  []call
	batched  []call
	rows     [][]any
	nextID   int64
	batchErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, call{sql, args})
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, call{sql, args})
	f.nextID++
	return idRow(f.nextID)
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, call{sql, args})
	return &fakeRows{rows: f.rows, i: -1}, nil
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, q := range b.QueuedQueries {
		f.batched = append(f.batched, call{q.SQL, q.Arguments})
	}
	return &fakeBatch{err: f.batchErr}
}

type idRow int64

func (r idRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = int64(r)
	return nil
}

type fakeBatch struct{ err error }

func (b *fakeBatch) Exec() (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), b.err
}

func (b *fakeBatch) Query() (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (b *fakeBatch) QueryRow() pgx.Row {
	return idRow(0)
}

func (b *fakeBatch) Close() error {
	return nil
}

type fakeRows struct {
	rows [][]any
	i    int
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error {
	return nil
}

func (r *fakeRows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("SELECT")
}

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	return nil
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.i], nil
}

func (r *fakeRows) RawValues() [][]byte {
	return nil
}

func (r *fakeRows) Conn() *pgx.Conn {
	return nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i]
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func TestMigrateRunsSchema(t *testing.T) {
	fdb := &fakeDB{}
	require.NoError(t, New(fdb).Migrate(context.Background()))

	require.Len(t, fdb.execs, len(Schema))
	assert.Contains(t, fdb.execs[1].sql, "starbridge.deliveries")
	assert.Contains(t, fdb.execs[2].sql, "starbridge.attempts")
}

func TestRecord(t *testing.T) {
	fdb := &fakeDB{}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := dispatch.Result{
		Status:   dispatch.StatusSent,
		EntryID:  "note-01",
		Title:    "Meeting Notes",
		Strategy: delivery.StrategyUI,
		Outcome:  delivery.Delivered(),
		Attempts: []delivery.Attempt{
			{Strategy: delivery.StrategyRPC, Outcome: delivery.EndpointError(403, "denied"), StartedAt: started, Duration: 120 * time.Millisecond},
			{Strategy: delivery.StrategyUI, Outcome: delivery.Delivered(), StartedAt: started.Add(time.Second), Duration: 3 * time.Second},
		},
		Duration: 3200 * time.Millisecond,
	}

	require.NoError(t, New(fdb).Record(context.Background(), res))

	require.Len(t, fdb.queries, 1)
	assert.Equal(t, []any{"note-01", "Meeting Notes", "sent", "ui", "delivered", false, int64(3200)}, fdb.queries[0].args)

	require.Len(t, fdb.batched, 2)
	first := fdb.batched[0].args
	assert.Equal(t, int64(1), first[0])
	assert.Equal(t, 1, first[1])
	assert.Equal(t, "rpc", first[2])
	assert.Equal(t, "endpoint_error", first[3])
	assert.True(t, strings.Contains(first[4].(string), `"statusCode":403`))
	assert.Equal(t, started, first[5])
	assert.Equal(t, int64(120), first[6])
}

func TestRecordSkipsEmpty(t *testing.T) {
	fdb := &fakeDB{}
	require.NoError(t, New(fdb).Record(context.Background(), dispatch.Result{Status: dispatch.StatusEmpty}))
	assert.Empty(t, fdb.queries)
}

func TestRecordBatchError(t *testing.T) {
	fdb := &fakeDB{batchErr: errors.New("fk violation")}
	res := dispatch.Result{
		Status:   dispatch.StatusFailed,
		EntryID:  "note-02",
		Title:    "x",
		Attempts: []delivery.Attempt{{Strategy: "rpc", Outcome: delivery.Timeout("")}},
	}

	err := New(fdb).Record(context.Background(), res)
	assert.ErrorContains(t, err, "insert attempt")
}

func TestRecent(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fdb := &fakeDB{rows: [][]any{
		{int64(2), "note-02", "Second", "failed", "", "notFound(OpenAddDialog)", true, int64(900), created},
		{int64(1), "note-01", "First", "sent", "rpc", "delivered", false, int64(300), created.Add(-time.Minute)},
	}}

	got, err := New(fdb).Recent(context.Background(), 0)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "note-02", got[0].EntryID)
	assert.True(t, got[0].Clipboard)
	assert.Equal(t, "rpc", got[1].Strategy)
	assert.Equal(t, []any{50}, fdb.queries[0].args, "limit defaults to 50")
}
