// Package gtid implements the clone engine's GTID persister (spec §2
// C8, §4.8): a double-buffered active/inactive row list, a background
// flush goroutine that periodically (or on demand) drains the active
// list into the gtid_executed store, and a flush-number handshake a
// caller can block on for durability before acknowledging a commit.
package gtid

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Row is one persisted GTID interval, matching MySQL's actual
// gtid_executed table schema: (source_uuid, interval_start, interval_end).
type Row struct {
	SourceUUID uuid.UUID
	Start      uint64
	End        uint64
}

// Store is the durable backing store for gtid_executed rows.
type Store interface {
	// Append persists rows, deduplicating against whatever it already
	// holds (spec §4.8 "recovery dedup": a crash between flush and
	// truncation of the binary log must not double-apply a GTID).
	Append(rows []Row) error
	LoadAll() ([]Row, error)
	// Compress merges contiguous intervals sharing a source UUID into a
	// single row (spec §4.8 "explicit/periodic compression").
	Compress() error
}

// Config tunes the persister's batching policy (spec §4.8).
type Config struct {
	// CompressionThreshold is s_compression_threshold: the active list
	// triggers an immediate flush once it reaches this many rows.
	CompressionThreshold int
	// TimeThreshold is s_time_threshold: the flush loop wakes on this
	// cadence even if the threshold hasn't been reached.
	TimeThreshold time.Duration
	// CompressionInterval is how often Store.Compress runs in the
	// background (spec §4.8 "periodic compression"). Zero disables
	// periodic compression; Compress can still be triggered explicitly.
	CompressionInterval time.Duration
	Scheduler           gocron.Scheduler
	Logger              *slog.Logger
}

const (
	defaultCompressionThreshold = 1000
	defaultTimeThreshold        = 1 * time.Second
)

// Persister owns the double-buffered GTID row lists and the background
// flush goroutine (spec §4.8).
type Persister struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lists  [2][]Row
	active int // index into lists of the buffer commits append to

	flushNumber uint64 // incremented each time a buffer is swapped and flushed

	threshold     int
	timeThreshold time.Duration

	store     Store
	scheduler gocron.Scheduler
	log       *slog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a persister backed by store, schedules periodic
// compression when a scheduler and interval are configured, then starts
// the background flush goroutine. It does not flush or compress at
// startup.
func New(store Store, cfg Config) (*Persister, error) {
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = defaultTimeThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Persister{
		threshold:     cfg.CompressionThreshold,
		timeThreshold: cfg.TimeThreshold,
		store:         store,
		scheduler:     cfg.Scheduler,
		log:           cfg.Logger.With("component", "gtid-persister"),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if p.scheduler != nil && cfg.CompressionInterval > 0 {
		if _, err := p.scheduler.NewJob(
			gocron.DurationJob(cfg.CompressionInterval),
			gocron.NewTask(p.compressTick),
			gocron.WithName("gtid-compress"),
		); err != nil {
			return nil, fmt.Errorf("gtid: schedule compression: %w", err)
		}
	}

	p.wg.Go(p.flushLoop)
	return p, nil
}

// Commit appends row to the active list (spec §4.8 "commit path":
// threshold check, push, wake). If the active list was already at
// threshold when Commit was called, the caller blocks until the
// background thread has completed a flush before its own row is pushed
// (spec §5: "GTID commit path may block the commit thread for up to one
// flush cycle when num_gtid_mem >= max_threshold. This is intentional
// back-pressure."). Once the row is pushed, crossing the threshold wakes
// the flush goroutine immediately rather than waiting for the next timer
// tick.
func (p *Persister) Commit(row Row) (targetFlushNumber uint64) {
	p.mu.Lock()
	if len(p.lists[p.active]) >= p.threshold {
		waitFor := p.flushNumber + 1
		p.mu.Unlock()
		p.wake()
		p.WaitThread(waitFor)
		p.mu.Lock()
	}

	p.lists[p.active] = append(p.lists[p.active], row)
	full := len(p.lists[p.active]) >= p.threshold
	targetFlushNumber = p.flushNumber + 1
	p.mu.Unlock()

	if full {
		p.wake()
	}
	return targetFlushNumber
}

func (p *Persister) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// RequestImmediateFlush wakes the flush goroutine without waiting for
// the next timer tick or threshold trip (spec §4.8
// "request_immediate_flush").
func (p *Persister) RequestImmediateFlush() {
	p.wake()
}

// WaitThread blocks until the flush goroutine has completed a flush
// numbered at least targetFlushNumber, giving a committer a durability
// handshake before it acknowledges its caller (spec §4.8 "wait_thread").
func (p *Persister) WaitThread(targetFlushNumber uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.flushNumber < targetFlushNumber {
		p.cond.Wait()
	}
}

// Close stops the flush goroutine after a final drain.
func (p *Persister) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

// flushLoop alternates between sleeping until timeThreshold or a wake
// signal, and swapping+flushing the active buffer (spec §4.8 background
// flush goroutine). Grounded on the same "select on stop vs work channel,
// drain on shutdown" shape as a persistence-queue drain loop.
func (p *Persister) flushLoop() {
	ticker := time.NewTicker(p.timeThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.flushOnce()
			return
		case <-p.wakeCh:
			p.flushOnce()
		case <-ticker.C:
			p.flushOnce()
		}
	}
}

// flushOnce swaps the active/inactive buffers, persists whatever the
// now-inactive buffer held, and increments flush_number under the
// persister's mutex so WaitThread's durability handshake sees a
// monotonic, consistent count.
func (p *Persister) flushOnce() {
	p.mu.Lock()
	drained := p.lists[p.active]
	if len(drained) == 0 {
		p.mu.Unlock()
		return
	}
	p.lists[p.active] = nil
	p.active = 1 - p.active
	p.mu.Unlock()

	if err := p.store.Append(drained); err != nil {
		p.log.Error("gtid flush failed", "rows", len(drained), "error", err)
		// Rows are not re-queued: a flush failure here mirrors the
		// source registry's best-effort persistence — the binary log
		// remains the durable source of truth until the next successful
		// flush catches up.
	}

	p.mu.Lock()
	p.flushNumber++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// compressTick runs Store.Compress on the periodic schedule.
func (p *Persister) compressTick() {
	if err := p.store.Compress(); err != nil {
		p.log.Warn("gtid compression failed", "error", err)
	}
}
