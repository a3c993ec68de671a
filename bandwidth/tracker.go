// Package bandwidth provides rolling usage counters and the rule sets that
// gate request admission: per-account quotas, the admin service's port
// throttle, and auto-account-creation velocity.
package bandwidth

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nedfreetoplay/hydrus"
)

// Kind selects which counter a rule or query addresses.
type Kind int

const (
	Data Kind = iota
	Requests
)

func (k Kind) String() string {
	if k == Requests {
		return "requests"
	}
	return "data"
}

// Window constants for rules and usage queries. Positive values are seconds.
const (
	WindowForever int64 = 0
	WindowMonth   int64 = -1
)

// Bucket retention per granularity. Buckets older than these are coalesced
// into the next granularity up on write.
const (
	keepSeconds = 2 * 60
	keepMinutes = 2 * 3600
	keepHours   = 2 * 86400
	keepDays    = 62 * 86400
)

// Tracker is a pair of time-bucketed counters (bytes, requests). Writes hit
// the current-second bucket of every granularity; reads sum buckets over the
// requested window.
type Tracker struct {
	mu sync.Mutex

	seconds map[int64]counts // unix second
	minutes map[int64]counts // unix second / 60
	hours   map[int64]counts
	days    map[int64]counts
	months  map[string]counts // "2006-1"
	total   counts
}

type counts struct {
	Data     uint64 `json:"d,omitempty"`
	Requests uint64 `json:"r,omitempty"`
}

func (c *counts) add(kind Kind, n uint64) {
	if kind == Requests {
		c.Requests += n
	} else {
		c.Data += n
	}
}

func (c counts) get(kind Kind) uint64 {
	if kind == Requests {
		return c.Requests
	}
	return c.Data
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		seconds: map[int64]counts{},
		minutes: map[int64]counts{},
		hours:   map[int64]counts{},
		days:    map[int64]counts{},
		months:  map[string]counts{},
	}
}

func monthKey(t time.Time) string {
	return t.Format("2006-1")
}

func (t *Tracker) report(kind Kind, n uint64) {
	now := hydrus.Now()
	sec := now.Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	bump := func(m map[int64]counts, key int64) {
		c := m[key]
		c.add(kind, n)
		m[key] = c
	}
	bump(t.seconds, sec)
	bump(t.minutes, sec/60)
	bump(t.hours, sec/3600)
	bump(t.days, sec/86400)
	mc := t.months[monthKey(now)]
	mc.add(kind, n)
	t.months[monthKey(now)] = mc
	t.total.add(kind, n)

	t.pruneLocked(sec)
}

func (t *Tracker) pruneLocked(nowSec int64) {
	for k := range t.seconds {
		if k < nowSec-keepSeconds {
			delete(t.seconds, k)
		}
	}
	for k := range t.minutes {
		if k*60 < nowSec-keepMinutes {
			delete(t.minutes, k)
		}
	}
	for k := range t.hours {
		if k*3600 < nowSec-keepHours {
			delete(t.hours, k)
		}
	}
	for k := range t.days {
		if k*86400 < nowSec-keepDays {
			delete(t.days, k)
		}
	}
}

// ReportDataUsed records n bytes against the current second.
func (t *Tracker) ReportDataUsed(n uint64) { t.report(Data, n) }

// ReportRequestUsed records one request against the current second.
func (t *Tracker) ReportRequestUsed() { t.report(Requests, 1) }

// GetUsage sums usage of the given kind over the window ending now. The sum
// is taken from the finest granularity whose retention covers the window, so
// results near bucket boundaries are approximate in the same way the buckets
// are.
func (t *Tracker) GetUsage(kind Kind, window int64) uint64 {
	now := hydrus.Now()
	sec := now.Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case window == WindowForever:
		return t.total.get(kind)
	case window == WindowMonth:
		return t.months[monthKey(now)].get(kind)
	case window <= keepSeconds:
		return sumSince(t.seconds, 1, sec-window, kind)
	case window <= keepMinutes:
		return sumSince(t.minutes, 60, sec-window, kind)
	case window <= keepHours:
		return sumSince(t.hours, 3600, sec-window, kind)
	default:
		return sumSince(t.days, 86400, sec-window, kind)
	}
}

func sumSince(m map[int64]counts, unit int64, cutoff int64, kind Kind) uint64 {
	var total uint64
	for k, c := range m {
		if k*unit > cutoff {
			total += c.get(kind)
		}
	}
	return total
}

// trackerState is the persisted shape of a tracker.
type trackerState struct {
	Seconds map[int64]counts  `json:"seconds,omitempty"`
	Minutes map[int64]counts  `json:"minutes,omitempty"`
	Hours   map[int64]counts  `json:"hours,omitempty"`
	Days    map[int64]counts  `json:"days,omitempty"`
	Months  map[string]counts `json:"months,omitempty"`
	Total   counts            `json:"total"`
}

// MarshalJSON lets a tracker ride inside an account row's dictionary.
func (t *Tracker) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(trackerState{
		Seconds: t.seconds, Minutes: t.minutes, Hours: t.hours,
		Days: t.days, Months: t.months, Total: t.total,
	})
}

// UnmarshalJSON rehydrates a persisted tracker.
func (t *Tracker) UnmarshalJSON(b []byte) error {
	var s trackerState
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seconds = orEmpty(s.Seconds)
	t.minutes = orEmpty(s.Minutes)
	t.hours = orEmpty(s.Hours)
	t.days = orEmpty(s.Days)
	t.months = s.Months
	if t.months == nil {
		t.months = map[string]counts{}
	}
	t.total = s.Total
	return nil
}

func orEmpty(m map[int64]counts) map[int64]counts {
	if m == nil {
		return map[int64]counts{}
	}
	return m
}
