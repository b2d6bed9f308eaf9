// Package journal records session state transitions in PostgreSQL so that
// past sessions can be inspected after they have ended, or after the process
// has restarted.
//
// A [Journal] is an [events.Publisher]: transitions are queued and written by
// a single background goroutine, so publishing never waits on the database.
// When the queue is full the transition is dropped and counted.
//
// Usage:
//
//	j, err := journal.Open(ctx, dsn)
//	if err != nil { … }
//	defer j.Close()
//
//	pub := events.Multi{hub, j}
//	history, _ := j.History(ctx, sessionID, 0)
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/events"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ events.Publisher = (*Journal)(nil)

const (
	// DefaultQueueSize is the number of transitions buffered for the writer.
	DefaultQueueSize = 64

	// writeTimeout bounds a single insert issued by the writer goroutine.
	writeTimeout = 5 * time.Second

	// maxHistory caps how many rows History returns when no limit is given.
	maxHistory = 500
)

const ddlSessionTransitions = `
CREATE TABLE IF NOT EXISTS session_transitions (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    from_state  TEXT         NOT NULL,
    to_state    TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT '',
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_transitions_session_at
    ON session_transitions (session_id, at);
`

// DB is the subset of [pgxpool.Pool] the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Transition is one recorded state change.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Option configures a [Journal].
type Option func(*Journal)

// WithQueueSize sets the transition queue capacity.
func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queueSize = n
		}
	}
}

// Journal writes session transitions to PostgreSQL. All methods are safe for
// concurrent use.
type Journal struct {
	db        DB
	closeDB   func()
	queueSize int

	queue   chan events.StateEvent
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

// Open connects to the database at dsn, creates the schema if needed and
// starts the writer.
func Open(ctx context.Context, dsn string, opts ...Option) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	j := New(pool, opts...)
	j.closeDB = pool.Close
	return j, nil
}

// Migrate creates the journal table and its index if they do not exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlSessionTransitions); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// New starts a journal on an existing database handle. The schema must
// already exist; see [Migrate]. Close does not close db.
func New(db DB, opts ...Option) *Journal {
	j := &Journal{
		db:        db,
		queueSize: DefaultQueueSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	j.queue = make(chan events.StateEvent, j.queueSize)
	go j.writeLoop()
	return j
}

// Record writes ev synchronously.
func (j *Journal) Record(ctx context.Context, ev events.StateEvent) error {
	const q = `
		INSERT INTO session_transitions (session_id, from_state, to_state, error, at)
		VALUES ($1, $2, $3, $4, $5)`

	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := j.db.Exec(ctx, q, ev.SessionID, ev.From, ev.To, ev.Error, at); err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// History returns the transitions of sessionID, oldest first. A limit of
// zero or less returns up to 500 rows.
func (j *Journal) History(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	const q = `
		SELECT session_id, from_state, to_state, error, at
		FROM   session_transitions
		WHERE  session_id = $1
		ORDER  BY at, id
		LIMIT  $2`

	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	rows, err := j.db.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transition, error) {
		var t Transition
		err := row.Scan(&t.SessionID, &t.From, &t.To, &t.Error, &t.Time)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	return out, nil
}

// Dropped returns how many transitions were discarded because the queue was
// full or the journal was closed.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Check pings the database. It is meant for readiness probes.
func (j *Journal) Check(ctx context.Context) error {
	return j.db.Ping(ctx)
}

// Close stops accepting transitions, writes those already queued and, for a
// journal created by [Open], closes the connection pool.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.stop)
		<-j.done
		if j.closeDB != nil {
			j.closeDB()
		}
	})
	return nil
}

// ── events.Publisher ──────────────────────────────────────────────────────────

// PublishState implements [events.Publisher].
func (j *Journal) PublishState(ev events.StateEvent) {
	select {
	case <-j.stop:
		j.dropped.Add(1)
		return
	default:
	}
	select {
	case j.queue <- ev:
	default:
		if j.dropped.Add(1) == 1 {
			slog.Warn("journal: queue full, dropping transitions", "session_id", ev.SessionID)
		}
	}
}

// PublishVolume implements [events.Publisher]. Volume is not journaled.
func (j *Journal) PublishVolume(events.VolumeEvent) {}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for {
		select {
		case ev := <-j.queue:
			j.write(ev)
		case <-j.stop:
			for {
				select {
				case ev := <-j.queue:
					j.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(ev events.StateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Record(ctx, ev); err != nil {
		slog.Warn("journal: write failed", "session_id", ev.SessionID, "to", ev.To, "err", err)
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// Register adds GET /sessions/{id}/transitions to mux. The optional limit
// query parameter caps the number of rows.
func (j *Journal) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions/{id}/transitions", j.serveHistory)
}

func (j *Journal) serveHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := j.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		slog.Error("journal: serve history", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []Transition{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		slog.Debug("journal: write history", "err", err)
	}
}
