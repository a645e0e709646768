package telemetry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/corvusworks/sensorbridge/internal/monitoring"
	"github.com/corvusworks/sensorbridge/internal/version"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const journalQueueDepth = 256

// event is one journal row waiting to be written.
type event struct {
	kind    string
	channel sql.NullInt64
	frame   sql.NullInt64
	group   sql.NullString
	detail  sql.NullString
}

// Journal records notable bridge events (drops, pairings, control failures)
// in a sqlite file, one session per process run. Writes are asynchronous and
// best-effort; when the queue is full the event is dropped and counted, so
// the data path never waits on disk.
type Journal struct {
	db        *sql.DB
	sessionID string

	queue   chan event
	done    chan struct{}
	dropped atomic.Int64
}

// OpenJournal opens (creating if needed) the journal database at path, runs
// schema migrations, and starts a new session.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	if err := migrateJournal(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:        db,
		sessionID: uuid.NewString(),
		queue:     make(chan event, journalQueueDepth),
		done:      make(chan struct{}),
	}
	_, err = db.Exec("INSERT INTO sessions (session_id, version) VALUES (?, ?)",
		j.sessionID, version.Version)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("starting journal session: %w", err)
	}
	go j.writer()
	return j, nil
}

func migrateJournal(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading journal migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration failed: %w", err)
	}
	return nil
}

// migrateLogger routes golang-migrate output through the package logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// SessionID identifies this process run in the journal.
func (j *Journal) SessionID() string { return j.sessionID }

// Dropped reports how many events were discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) enqueue(e event) {
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
	}
}

// RecordDrop journals a dropped frame.
func (j *Journal) RecordDrop(channel uint16, frame uint32, reason string) {
	j.enqueue(event{
		kind:    "frame_dropped",
		channel: sql.NullInt64{Int64: int64(channel), Valid: true},
		frame:   sql.NullInt64{Int64: int64(frame), Valid: true},
		detail:  sql.NullString{String: reason, Valid: true},
	})
}

// RecordPaired journals a completed pairing with its timestamp skew.
func (j *Journal) RecordPaired(group string, skewNs uint64) {
	j.enqueue(event{
		kind:   "frames_paired",
		group:  sql.NullString{String: group, Valid: true},
		detail: sql.NullString{String: fmt.Sprintf("skew_ns=%d", skewNs), Valid: true},
	})
}

// RecordUnmatched journals a frame whose sync partners never arrived.
func (j *Journal) RecordUnmatched(group string, channel uint16, frame uint32) {
	j.enqueue(event{
		kind:    "frame_unmatched",
		channel: sql.NullInt64{Int64: int64(channel), Valid: true},
		frame:   sql.NullInt64{Int64: int64(frame), Valid: true},
		group:   sql.NullString{String: group, Valid: true},
	})
}

// RecordControlFailure journals a control transaction that gave up.
func (j *Journal) RecordControlFailure(op uint8, address uint32, detail string) {
	j.enqueue(event{
		kind:   "control_failed",
		detail: sql.NullString{String: fmt.Sprintf("op=0x%02X addr=0x%08X %s", op, address, detail), Valid: true},
	})
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.queue {
		_, err := j.db.Exec(
			"INSERT INTO events (event_id, session_id, kind, channel, frame, sync_group, detail) VALUES (?, ?, ?, ?, ?, ?, ?)",
			uuid.NewString(), j.sessionID, e.kind, e.channel, e.frame, e.group, e.detail)
		if err != nil {
			j.dropped.Add(1)
		}
	}
}

// Close drains queued events and closes the database.
func (j *Journal) Close() error {
	close(j.queue)
	<-j.done
	if n := j.dropped.Load(); n > 0 {
		monitoring.Logf("journal dropped %d events", n)
	}
	return j.db.Close()
}
