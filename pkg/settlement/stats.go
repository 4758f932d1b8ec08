package settlement

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Stats are the cumulative settlement counters.
type Stats struct {
	Settlements    uint64        `json:"settlements"`
	SettledIntents uint64        `json:"settledIntents"`
	TotalVolume    string        `json:"totalVolume"`
	AvgLatency     time.Duration `json:"avgLatency"`
	Failures       uint64        `json:"failures"`
	NoOps          uint64        `json:"noOps"`
	LastError      string        `json:"lastError,omitempty"`
	LastErrorAt    *time.Time    `json:"lastErrorAt,omitempty"`
	LastSettledAt  *time.Time    `json:"lastSettledAt,omitempty"`
}

type statsTracker struct {
	mu          sync.Mutex
	stats       Stats
	totalVolume uint256.Int
}

func (t *statsTracker) settled(intents int, matched *uint256.Int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Settlements++
	t.stats.SettledIntents += uint64(intents)
	// saturate rather than wrap
	if _, overflow := t.totalVolume.AddOverflow(&t.totalVolume, matched); overflow {
		t.totalVolume.SetAllOne()
	}
	// cumulative average
	n := time.Duration(t.stats.Settlements)
	t.stats.AvgLatency += (latency - t.stats.AvgLatency) / n
	now := time.Now()
	t.stats.LastSettledAt = &now
}

func (t *statsTracker) noop() {
	t.mu.Lock()
	t.stats.NoOps++
	t.mu.Unlock()
}

func (t *statsTracker) failed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Failures++
	t.stats.LastError = err.Error()
	now := time.Now()
	t.stats.LastErrorAt = &now
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.TotalVolume = t.totalVolume.Dec()
	return out
}
