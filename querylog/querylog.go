// SPDX-License-Identifier: MIT
//
// Persistent query log in SQLite.
//

package querylog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"detour/dns"
	"detour/log"
)

const (
	DefaultRetention  = 24 * time.Hour
	DefaultBufferSize = 1024

	// Max entries written in one transaction.
	maxBatch = 256

	cleanupDebounceInterval = 1 * time.Minute
)

var (
	initQueries = []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS query_log (
  id INTEGER PRIMARY KEY,
  time INTEGER NOT NULL,
  domain TEXT NOT NULL,
  qtype TEXT NOT NULL,
  proto TEXT NOT NULL,
  outcome TEXT NOT NULL,
  rcode TEXT NOT NULL,
  duration_us INTEGER NOT NULL,
  upstream TEXT NOT NULL DEFAULT '',
  upstream_us INTEGER NOT NULL DEFAULT 0
 ) STRICT`,
		`CREATE INDEX IF NOT EXISTS query_log_time_idx ON query_log (time ASC)`,
	}

	ErrClosed = errors.New("query log closed")
)

// Entry is one logged query.
type Entry struct {
	Time       time.Time `json:"time"`
	Domain     string    `json:"domain"`
	Type       string    `json:"type"`
	Proto      string    `json:"proto"`
	Outcome    string    `json:"outcome"`
	RCode      string    `json:"rcode"`
	DurationMs float64   `json:"duration_ms"`
	Upstream   string    `json:"upstream,omitempty"`
	UpstreamMs float64   `json:"upstream_ms,omitempty"`
}

type Options struct {
	// Entries older than this are deleted; 0 means DefaultRetention.
	Retention time.Duration
	// Capacity of the queue of entries waiting to be written.  Events
	// arriving while it is full are dropped.
	BufferSize int
}

// QueryLog records the resolver events.  Record never blocks the query
// path: entries are queued and written by a background goroutine.
type QueryLog struct {
	db        *sql.DB
	retention time.Duration

	mu      sync.RWMutex // guards closed against Record
	closed  bool
	entries chan *Entry
	done    chan struct{}
	dropped atomic.Uint64

	lastCleanup time.Time // only touched by the writer
}

// Open opens (or creates) the log database at path.
func Open(path string, opts Options) (*QueryLog, error) {
	dbURL := url.URL{
		Scheme:   "file",
		Path:     path,
		OmitHost: true,
	}
	db, err := sql.Open("sqlite", dbURL.String())
	if err != nil {
		return nil, fmt.Errorf("can't open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}

	for _, query := range initQueries {
		if _, err = db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup command (%q) error: %w", query, err)
		}
	}

	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	l := &QueryLog{
		db:        db,
		retention: opts.Retention,
		entries:   make(chan *Entry, opts.BufferSize),
		done:      make(chan struct{}),
	}
	go l.writer()

	log.Infof("opened query log: %s (retention %s)", path, l.retention)
	return l, nil
}

func newEntry(ev *dns.Event) *Entry {
	return &Entry{
		Time:       ev.Time,
		Domain:     ev.Domain,
		Type:       ev.Type.String(),
		Proto:      ev.Proto.String(),
		Outcome:    string(ev.Outcome),
		RCode:      ev.RCode.String(),
		DurationMs: ms(ev.Total),
		Upstream:   ev.Upstream,
		UpstreamMs: ms(ev.UpstreamLatency),
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func micros(ms float64) int64 {
	return int64(math.Round(ms * 1000))
}

// Record implements dns.EventSink.
func (l *QueryLog) Record(ev *dns.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.entries <- newEntry(ev):
	default:
		if n := l.dropped.Add(1); n&(n-1) == 0 {
			log.Warnf("query log queue full; dropped %d entries so far", n)
		}
	}
}

// Dropped returns the number of entries dropped because the queue was full.
func (l *QueryLog) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *QueryLog) writer() {
	defer close(l.done)

	batch := make([]*Entry, 0, maxBatch)
	for e := range l.entries {
		batch = append(batch[:0], e)
	fill:
		for len(batch) < maxBatch {
			select {
			case e, ok := <-l.entries:
				if !ok {
					break fill
				}
				batch = append(batch, e)
			default:
				break fill
			}
		}

		if err := l.insert(batch); err != nil {
			log.Errorf("failed to write %d query log entries: %v", len(batch), err)
		}
		l.cleanup(time.Now())
	}
}

func (l *QueryLog) insert(batch []*Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO query_log
		(time, domain, qtype, proto, outcome, rcode, duration_us, upstream, upstream_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.Exec(
			e.Time.UnixMicro(), e.Domain, e.Type, e.Proto, e.Outcome, e.RCode,
			micros(e.DurationMs), e.Upstream, micros(e.UpstreamMs),
		)
		if err != nil {
			return fmt.Errorf("insert query error: %w", err)
		}
	}
	return tx.Commit()
}

func (l *QueryLog) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupDebounceInterval {
		return
	}
	if n, err := l.Purge(now); err != nil {
		log.Warnf("query log cleanup failed: %v", err)
	} else if n > 0 {
		log.Debugf("purged %d expired query log entries", n)
	}
	l.lastCleanup = now
}

// Purge deletes the entries older than the retention and returns how
// many were deleted.
func (l *QueryLog) Purge(now time.Time) (int64, error) {
	res, err := l.db.Exec("DELETE FROM query_log WHERE time < ?",
		now.Add(-l.retention).UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recent returns up to limit entries, newest first.
func (l *QueryLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT time, domain, qtype, proto, outcome, rcode, duration_us, upstream, upstream_us
		FROM query_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query log select error: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			ts         int64
			durationUs int64
			upstreamUs int64
		)
		err := rows.Scan(&ts, &e.Domain, &e.Type, &e.Proto, &e.Outcome, &e.RCode,
			&durationUs, &e.Upstream, &upstreamUs)
		if err != nil {
			return nil, err
		}
		e.Time = time.UnixMicro(ts)
		e.DurationMs = float64(durationUs) / 1000
		e.UpstreamMs = float64(upstreamUs) / 1000
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close writes the queued entries and closes the database.
func (l *QueryLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	<-l.done
	return l.db.Close()
}
