package observability

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ent0n29/chorus/internal/config"
)

// Pipeline stages recorded per handled event, in pipeline order.
const (
	StageObserve     = "observe"
	StagePrompt      = "prompt"
	StageCompletion  = "completion"
	StagePostprocess = "postprocess"
	StageTotal       = "total"
)

var stageOrder = [...]string{StageObserve, StagePrompt, StageCompletion, StagePostprocess, StageTotal}

func stageIndex(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Budgets are p95 latency budgets per stage.
type Budgets map[string]time.Duration

// BudgetsFor derives stage budgets from the running configuration. The
// completion budget covers every attempt timing out plus the longest waits
// between attempts (a rate limit doubles the delay).
func BudgetsFor(s config.Settings, completionTimeout, imageTimeout time.Duration) Budgets {
	attempts := s.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	completion := time.Duration(attempts)*completionTimeout + time.Duration(attempts-1)*2*s.RetryDelay
	b := Budgets{
		StageObserve:     100 * time.Millisecond,
		StagePrompt:      50 * time.Millisecond,
		StageCompletion:  completion,
		StagePostprocess: 20 * time.Millisecond,
	}
	b[StageTotal] = b[StageObserve] + b[StagePrompt] + imageTimeout + completion + b[StagePostprocess]
	return b
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget bool    `json:"over_budget"`
}

// LatencySnapshot is the state of the window at one point in time.
// Outcomes counts handled events by Effects reason since the last reset.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    map[string]int `json:"outcomes"`
}

// ring holds the most recent samples of one stage.
type ring struct {
	samples []float64
	n       int
	pos     int
	last    float64
}

func (r *ring) add(ms float64) {
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.samples)
	if r.n < len(r.samples) {
		r.n++
	}
	r.last = ms
}

// latencyWindow keeps a bounded ring per pipeline stage and a count per
// event outcome.
type latencyWindow struct {
	mu       sync.Mutex
	size     int
	rings    [len(stageOrder)]ring
	outcomes map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.resetLocked()
	return w
}

func (w *latencyWindow) resetLocked() {
	for i := range w.rings {
		w.rings[i] = ring{samples: make([]float64, w.size)}
	}
	w.outcomes = make(map[string]int)
}

// observe ignores stages outside the pipeline and negative durations.
func (w *latencyWindow) observe(stage string, d time.Duration) {
	i := stageIndex(stage)
	if i < 0 || d < 0 {
		return
	}
	w.mu.Lock()
	w.rings[i].add(float64(d.Microseconds()) / 1000)
	w.mu.Unlock()
}

func (w *latencyWindow) countOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[outcome]++
	w.mu.Unlock()
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	w.resetLocked()
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot(budgets Budgets, now time.Time) LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(stageOrder)),
		Outcomes:    make(map[string]int, len(w.outcomes)),
	}
	for k, v := range w.outcomes {
		snap.Outcomes[k] = v
	}
	for i, stage := range stageOrder {
		r := &w.rings[i]
		if r.n == 0 {
			continue
		}
		sorted := slices.Clone(r.samples[:r.n])
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		st := StageStats{
			Stage:   stage,
			Samples: r.n,
			LastMS:  round2(r.last),
			AvgMS:   round2(sum / float64(r.n)),
			P50MS:   round2(nearestRank(sorted, 50)),
			P95MS:   round2(nearestRank(sorted, 95)),
			MaxMS:   round2(sorted[len(sorted)-1]),
		}
		if b, ok := budgets[stage]; ok && b > 0 {
			st.BudgetMS = round2(float64(b.Microseconds()) / 1000)
			st.OverBudget = st.P95MS > st.BudgetMS
		}
		snap.Stages = append(snap.Stages, st)
	}
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
