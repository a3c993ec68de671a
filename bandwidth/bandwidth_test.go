package bandwidth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
)

func atTime(t *testing.T, when time.Time, f func()) {
	t.Helper()
	old := hydrus.Now
	hydrus.Now = func() time.Time { return when }
	defer func() { hydrus.Now = old }()
	f()
}

func fixtures(t *testing.T, now time.Time) (zero, low, high *Tracker) {
	zero = NewTracker()
	low = NewTracker()
	high = NewTracker()
	atTime(t, now, func() {
		low.ReportRequestUsed()
		low.ReportDataUsed(1024)
		for i := 0; i < 100; i++ {
			high.ReportRequestUsed()
			high.ReportDataUsed(768)
		}
	})
	return zero, low, high
}

func TestNoRulesAdmitEverything(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	zero, low, high := fixtures(t, now)
	rules := NewRules()

	atTime(t, now, func() {
		for _, tr := range []*Tracker{zero, low, high} {
			assert.True(t, rules.CanStartRequest(tr))
			assert.True(t, rules.CanContinue(tr))
		}
	})
}

func TestShortDataWindowGatesContinueNotStart(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	zero, low, high := fixtures(t, now)

	rules := NewRules(Rule{Kind: Data, Window: 1, Max: 10240})

	atTime(t, now, func() {
		// Starts are always allowed on short data windows.
		assert.True(t, rules.CanStartRequest(zero))
		assert.True(t, rules.CanStartRequest(low))
		assert.True(t, rules.CanStartRequest(high))

		// high used ~76KB this second, past 2x the 10KB grace limit.
		assert.True(t, rules.CanContinue(zero))
		assert.True(t, rules.CanContinue(low))
		assert.False(t, rules.CanContinue(high))
	})

	atTime(t, now.Add(10*time.Second), func() {
		assert.True(t, rules.CanContinue(high), "window rolled past the usage")
	})
}

func TestRequestRuleGatesStartNotContinue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	zero, low, high := fixtures(t, now)

	rules := NewRules(Rule{Kind: Requests, Window: 1, Max: 1})

	atTime(t, now, func() {
		assert.True(t, rules.CanStartRequest(zero))
		assert.False(t, rules.CanStartRequest(low))
		assert.False(t, rules.CanStartRequest(high))

		assert.True(t, rules.CanContinue(zero))
		assert.True(t, rules.CanContinue(low))
		assert.True(t, rules.CanContinue(high))
	})

	atTime(t, now.Add(10*time.Second), func() {
		assert.True(t, rules.CanStartRequest(low))
		assert.True(t, rules.CanStartRequest(high))
	})
}

func TestMinuteDataRuleBlocksStartOnceBreached(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker()
	rules := NewRules(Rule{Kind: Data, Window: 60, Max: 10240})

	atTime(t, now, func() {
		tr.ReportDataUsed(20 * 1024)
		assert.False(t, rules.CanStartRequest(tr))
	})
	atTime(t, now.Add(61*time.Second), func() {
		assert.True(t, rules.CanStartRequest(tr))
	})
}

func TestForeverAndMonthWindows(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()

	atTime(t, now, func() {
		tr.ReportDataUsed(500)
		assert.Equal(t, uint64(500), tr.GetUsage(Data, WindowForever))
		assert.Equal(t, uint64(500), tr.GetUsage(Data, WindowMonth))
	})
	atTime(t, now.AddDate(0, 1, 0), func() {
		assert.Equal(t, uint64(500), tr.GetUsage(Data, WindowForever))
		assert.Equal(t, uint64(0), tr.GetUsage(Data, WindowMonth), "month rolled over")
	})
}

func TestTrackerSurvivesSerialization(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker()
	atTime(t, now, func() {
		tr.ReportDataUsed(4096)
		tr.ReportRequestUsed()
	})

	b, err := json.Marshal(tr)
	require.NoError(t, err)

	got := NewTracker()
	require.NoError(t, json.Unmarshal(b, got))

	atTime(t, now, func() {
		assert.Equal(t, uint64(4096), got.GetUsage(Data, 60))
		assert.Equal(t, uint64(1), got.GetUsage(Requests, WindowForever))
	})
}
