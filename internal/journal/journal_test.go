package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

// fakeDB records batches and answers every Exec with a configurable tag.
type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	execs   []string
	tag     string
	err     error
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b.QueuedQueries)
	tag := db.tag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return &fakeResults{tag: pgconn.NewCommandTag(tag), err: db.err}
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) rows() []*pgx.QueuedQuery {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range db.batches {
		out = append(out, b...)
	}
	return out
}

type fakeResults struct {
	tag pgconn.CommandTag
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) { return r.tag, r.err }
func (r *fakeResults) Query() (pgx.Rows, error)         { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row                { return nil }
func (r *fakeResults) Close() error                     { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != Schema {
		t.Errorf("EnsureSchema executed %v", db.execs)
	}
}

func TestWriter_ObserverRecordsTransitions(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, db, discard())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	obs := w.Observer("8d3c7f0e-8f57-4b6e-9d0f-5c1f4d7f2a11", "duel", channel.Identity{ChannelID: 12, SubjectID: 34})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs(channel.StateChange{From: channel.StateDisconnected, To: channel.StateConnecting, At: at})
	obs(channel.StateChange{From: channel.StateConnected, To: channel.StateDisconnected, Err: errors.New("eof"), Attempt: 0, At: at})

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	rows := db.rows()
	if len(rows) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(rows))
	}

	args := rows[0].Arguments
	if args[2] != "duel" || args[3] != int64(12) || args[4] != int64(34) {
		t.Errorf("identity args = %v %v %v", args[2], args[3], args[4])
	}
	if args[5] != "disconnected" || args[6] != "connecting" {
		t.Errorf("states = %v -> %v, want disconnected -> connecting", args[5], args[6])
	}
	if args[8].(*string) != nil {
		t.Errorf("error = %v, want NULL", args[8])
	}

	if got := rows[1].Arguments[8].(*string); got == nil || *got != "eof" {
		t.Errorf("error = %v, want eof", got)
	}

	stats := w.Stats()
	if stats.Inserts != 2 || stats.Flushes != 1 {
		t.Errorf("Stats = %+v, want 2 inserts in 1 flush", stats)
	}
}

func TestWriter_FlushesAtBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 100}, db, discard())
	w.Start(context.Background())
	defer w.Stop(context.Background())

	for i := 0; i < 4; i++ {
		w.Record(Entry{Kind: "notifications", From: "connecting", To: "connected"})
	}

	deadline := time.Now().Add(time.Second)
	for w.Stats().Flushes < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.Stats().Flushes; got != 2 {
		t.Errorf("Flushes = %d, want 2", got)
	}
}

func TestWriter_BatchesQueuedEntriesTogether(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 5, FlushInterval: time.Hour, BufferSize: 100}, db, discard())

	// Everything recorded before Start is already waiting when the consumer
	// runs, so it goes out in one batch.
	for i := 0; i < 5; i++ {
		w.Record(Entry{Kind: "duel", Attempt: i})
	}
	w.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for w.Stats().Flushes < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop(context.Background())

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.batches) != 1 || len(db.batches[0]) != 5 {
		sizes := make([]int, len(db.batches))
		for i, b := range db.batches {
			sizes[i] = len(b)
		}
		t.Fatalf("batch sizes = %v, want [5]", sizes)
	}
	for i, q := range db.batches[0] {
		if q.Arguments[7] != i {
			t.Errorf("row %d attempt = %v, want %d (order kept)", i, q.Arguments[7], i)
		}
	}
}

func TestWriter_CountsConflictsAndErrors(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 0"}
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, db, discard())
	w.Start(context.Background())
	w.Record(Entry{})
	w.Stop(context.Background())

	if got := w.Stats(); got.Conflicts != 1 || got.Inserts != 0 {
		t.Errorf("Stats = %+v, want 1 conflict", got)
	}

	failing := &fakeDB{err: errors.New("connection reset")}
	w = NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, failing, discard())
	w.Start(context.Background())
	w.Record(Entry{})
	w.Stop(context.Background())

	if got := w.Stats(); got.Errors != 1 || got.Flushes != 0 {
		t.Errorf("Stats = %+v, want 1 error", got)
	}
}

func TestWriter_RecordAfterStopIsDropped(t *testing.T) {
	w := NewWriter(Config{}, &fakeDB{}, discard())
	w.Start(context.Background())
	w.Stop(context.Background())

	w.Record(Entry{})
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}
