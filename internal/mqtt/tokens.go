package mqtt

import (
	"sync"
	"time"
)

// DailyTotals is a snapshot of today's completion counters.
type DailyTotals struct {
	Requests     int64
	Failed       int64
	InputTokens  int64
	OutputTokens int64
}

// Daily accumulates completion counters that reset at local midnight.
// It is safe for concurrent use.
type Daily struct {
	mu     sync.Mutex
	totals DailyTotals
	day    string // date of the last reset, 2006-01-02
	loc    *time.Location
	now    func() time.Time
}

// NewDaily creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDaily(loc *time.Location) *Daily {
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *Daily) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// OnRequest records one finished completion request.
func (d *Daily) OnRequest(inputTokens, outputTokens int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.totals.Requests++
	if !ok {
		d.totals.Failed++
	}
	d.totals.InputTokens += int64(inputTokens)
	d.totals.OutputTokens += int64(outputTokens)
}

// Snapshot returns today's totals.
func (d *Daily) Snapshot() DailyTotals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.totals
}

// rollover zeroes the counters when the date changed. d.mu must be held.
func (d *Daily) rollover() {
	if today := d.today(); today != d.day {
		d.totals = DailyTotals{}
		d.day = today
	}
}
