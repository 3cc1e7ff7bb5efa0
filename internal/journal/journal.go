package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parkerjbeard/LogicArena-sub000/internal/buffer"
	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the transitions table.
const Schema = `
CREATE TABLE IF NOT EXISTS channel_transitions (
	id          UUID PRIMARY KEY,
	instance    UUID NOT NULL,
	kind        TEXT NOT NULL,
	channel_id  BIGINT NOT NULL,
	subject_id  BIGINT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	attempt     INT NOT NULL,
	error       TEXT,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channel_transitions_instance_at ON channel_transitions (instance, at);
`

// EnsureSchema creates the table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Config configures the Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Max pending entries; the oldest are dropped beyond it
}

// Entry is one recorded transition.
type Entry struct {
	ID        uuid.UUID
	Instance  string
	Kind      string
	ChannelID int64
	SubjectID int64
	From      string
	To        string
	Attempt   int
	Error     string
	At        time.Time
}

// Metrics tracks writer activity.
type Metrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Flushes   int64 `json:"flushes"`
	Errors    int64 `json:"errors"`
	Dropped   int64 `json:"dropped"`
}

// Writer batches entries into channel_transitions.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     DB

	input *buffer.Growable[Entry]

	batch   []Entry
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	w := &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "journal"),
		batch:  make([]Entry, 0, cfg.BatchSize),
		stop:   make(chan struct{}),
	}
	w.input = buffer.NewBounded[Entry](64, cfg.BufferSize, func(Entry) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	})
	return w
}

// Observer returns a state observer that records transitions for one channel.
// Register it with channel.WithStateObserver, together with
// channel.WithInstance(instance), so the first transition is recorded too.
func (w *Writer) Observer(instance, kind string, id channel.Identity) channel.StateObserver {
	return func(change channel.StateChange) {
		e := Entry{
			ID:        uuid.New(),
			Instance:  instance,
			Kind:      kind,
			ChannelID: id.ChannelID,
			SubjectID: id.SubjectID,
			From:      change.From.String(),
			To:        change.To.String(),
			Attempt:   change.Attempt,
			At:        change.At,
		}
		if change.Err != nil {
			e.Error = change.Err.Error()
		}
		w.Record(e)
	}
}

// Record queues an entry. It never blocks.
func (w *Writer) Record(e Entry) {
	if !w.input.Send(e) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming entries and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains pending entries, writes them, and stops the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	// Closing the input lets consumeLoop drain what is left and exit.
	w.input.Close()
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush
	w.flush(ctx)

	if w.cancel != nil {
		w.cancel()
	}
	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		e, ok := w.input.Receive()
		if !ok {
			return
		}

		// Take whatever else is already waiting, up to a full batch. The input
		// lock is never held together with batchMu.
		w.batchMu.Lock()
		room := w.cfg.BatchSize - len(w.batch) - 1
		w.batchMu.Unlock()
		entries := []Entry{e}
		if room > 0 {
			entries = append(entries, w.input.DrainTo(room)...)
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, entries...)
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush {
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Entry, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transitions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []Entry) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.Instance, r.Kind, r.ChannelID, r.SubjectID,
			r.From, r.To, r.Attempt, nullable(r.Error), r.At)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

const insertSQL = `
	INSERT INTO channel_transitions
		(id, instance, kind, channel_id, subject_id, from_state, to_state, attempt, error, at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
