// Package scheduler fires listing deadlines into the engine.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auction_go/internal/domain"
)

// ExpireFunc delivers an expiry tick for a listing. It returns the listing's
// deadline after the tick and whether the listing is still open, in which
// case the deadline was extended and is scheduled again.
type ExpireFunc func(ctx context.Context, listingID string, now time.Time) (closesAt time.Time, open bool, err error)

type entry struct {
	deadline time.Time
	timer    *time.Timer
}

// Deadlines keeps one timer per listing keyed to its closing time, plus a
// periodic sweep that retries ticks which failed transiently.
type Deadlines struct {
	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context

	expire        ExpireFunc
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. now defaults to time.Now.
func New(expire ExpireFunc, sweepInterval time.Duration, now func() time.Time, logger *slog.Logger) *Deadlines {
	if now == nil {
		now = time.Now
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deadlines{
		entries:       make(map[string]*entry),
		ctx:           context.Background(),
		expire:        expire,
		now:           now,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Start begins the periodic sweep.
func (d *Deadlines) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ctx = ctx
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Deadline sweep panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.Info("Deadline sweep stopped")
				return
			case <-ticker.C:
				d.Sweep()
			}
		}
	}()

	return nil
}

// Stop cancels the sweep and every pending timer.
func (d *Deadlines) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	for id, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Schedule arms (or re-arms) the listing's timer for closesAt.
func (d *Deadlines) Schedule(listingID string, closesAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.entries[listingID]; ok {
		if old.deadline.Equal(closesAt) && old.timer != nil {
			return
		}
		if old.timer != nil {
			old.timer.Stop()
		}
	}

	e := &entry{deadline: closesAt}
	e.timer = time.AfterFunc(closesAt.Sub(d.now()), func() { d.fire(listingID, e) })
	d.entries[listingID] = e
}

// Cancel drops the listing's pending deadline.
func (d *Deadlines) Cancel(listingID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[listingID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, listingID)
	}
}

// Deadline returns the scheduled deadline of a listing.
func (d *Deadlines) Deadline(listingID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[listingID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Pending returns the listings with a scheduled deadline, sorted.
func (d *Deadlines) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.entries))
	for id := range d.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep fires every deadline that is already due.
func (d *Deadlines) Sweep() {
	now := d.now()

	d.mu.Lock()
	due := make(map[string]*entry)
	for id, e := range d.entries {
		if !e.deadline.After(now) {
			due[id] = e
		}
	}
	d.mu.Unlock()

	for id, e := range due {
		d.fire(id, e)
	}
}

func (d *Deadlines) fire(listingID string, e *entry) {
	d.mu.Lock()
	if d.entries[listingID] != e {
		// replaced, cancelled or already fired
		d.mu.Unlock()
		return
	}
	delete(d.entries, listingID)
	ctx := d.ctx
	d.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}

	closesAt, open, err := d.expire(ctx, listingID, d.now())
	switch {
	case err != nil && domain.IsRetriable(err):
		d.logger.Warn("Expiry deferred to sweep", slog.String("listing", listingID), slog.Any("error", err))
		d.mu.Lock()
		if _, ok := d.entries[listingID]; !ok {
			d.entries[listingID] = &entry{deadline: e.deadline}
		}
		d.mu.Unlock()
	case err != nil:
		d.logger.Debug("Expiry dropped", slog.String("listing", listingID), slog.Any("error", err))
	case open:
		d.Schedule(listingID, closesAt)
	}
}
