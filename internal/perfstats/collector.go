// Package perfstats folds the timing samples recorded at terminal group
// transitions into per-stage summaries for operational logging. The durable
// samples live in the store; this is the in-process view an operator reads
// from the logs without a database session.
package perfstats

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

// StageSummary is the folded view of one stage's observed durations, in
// seconds.
type StageSummary struct {
	Stage string
	Count int64
	Min   decimal.Decimal
	Max   decimal.Decimal
	Mean  decimal.Decimal
}

type stageStat struct {
	count int64
	sum   decimal.Decimal
	min   decimal.Decimal
	max   decimal.Decimal
}

// Collector accumulates stage timing samples. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	stages map[string]*stageStat
	groups int64
}

func NewCollector() *Collector {
	return &Collector{stages: make(map[string]*stageStat)}
}

// seconds converts a duration to an exact decimal with millisecond
// resolution.
func seconds(d time.Duration) decimal.Decimal {
	return decimal.New(d.Milliseconds(), -3)
}

// Observe folds one terminal-group sample into the running summaries.
func (c *Collector) Observe(sample pipeline.PerfSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups++
	for stage, duration := range sample.StageDurations {
		v := seconds(duration)
		stat, ok := c.stages[stage]
		if !ok {
			c.stages[stage] = &stageStat{count: 1, sum: v, min: v, max: v}
			continue
		}
		stat.count++
		stat.sum = stat.sum.Add(v)
		if v.LessThan(stat.min) {
			stat.min = v
		}
		if v.GreaterThan(stat.max) {
			stat.max = v
		}
	}
}

// Groups returns how many samples have been observed.
func (c *Collector) Groups() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups
}

// Summary returns the per-stage summaries sorted by stage name.
func (c *Collector) Summary() []StageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StageSummary, 0, len(c.stages))
	for stage, stat := range c.stages {
		out = append(out, StageSummary{
			Stage: stage,
			Count: stat.count,
			Min:   stat.min,
			Max:   stat.max,
			Mean:  stat.sum.Div(decimal.NewFromInt(stat.count)).Round(3),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}
