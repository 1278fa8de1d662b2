package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
)

// Store is an in-memory implementation of storage.Store. It backs tests and
// the "memory" database type for local development. One mutex serializes all
// operations, which gives the same linearizability the SQL adapter gets from
// guarded single-statement updates.
type Store struct {
	mu       sync.Mutex
	groups   map[string]pipeline.Group
	members  map[string]map[int]pipeline.SubbandFile // group key → index → file
	byPath   map[string][2]interface{}               // path → (group key, index)
	tables   []pipeline.CalTable
	perf     map[string]pipeline.PerfSample
	nowFn    func() time.Time
	calOrder map[string]time.Time // set name → creation instant (tie-break)
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		groups:   make(map[string]pipeline.Group),
		members:  make(map[string]map[int]pipeline.SubbandFile),
		byPath:   make(map[string][2]interface{}),
		perf:     make(map[string]pipeline.PerfSample),
		calOrder: make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// SetNowFunc pins the clock. Test helper.
func (m *Store) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

func (m *Store) ObserveSubband(_ context.Context, file pipeline.SubbandFile, seed storage.GroupSeed) (storage.ObserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := storage.ObserveResult{GroupKey: file.GroupKey}
	now := m.nowFn().UTC()

	g, ok := m.groups[file.GroupKey]
	if !ok {
		g = pipeline.Group{
			Key:              file.GroupKey,
			State:            pipeline.StateCollecting,
			ReceivedAt:       now,
			LastUpdate:       now,
			ExpectedSubbands: seed.ExpectedSubbands,
			HasCalibrator:    seed.HasCalibrator,
			Calibrators:      append([]string(nil), seed.Calibrators...),
		}
		m.members[file.GroupKey] = make(map[int]pipeline.SubbandFile)
		res.Created = true
	}

	if file.SubbandIdx < 0 || file.SubbandIdx >= g.ExpectedSubbands {
		if res.Created {
			delete(m.members, file.GroupKey)
		}
		return res, fmt.Errorf("%w: index %d, group %s expects %d",
			storage.ErrSubbandIndexOutOfRange, file.SubbandIdx, file.GroupKey, g.ExpectedSubbands)
	}

	if prev, seen := m.byPath[file.Path]; seen {
		prevKey, prevIdx := prev[0].(string), prev[1].(int)
		if prevKey != file.GroupKey || prevIdx != file.SubbandIdx {
			return res, fmt.Errorf("%w: %s is (%s, %d)",
				storage.ErrPathConflict, file.Path, prevKey, prevIdx)
		}
		res.Duplicate = true
	}

	if !res.Duplicate {
		if _, taken := m.members[file.GroupKey][file.SubbandIdx]; taken {
			res.Duplicate = true
		} else {
			if g.State != pipeline.StateCollecting {
				return res, fmt.Errorf("%w: %s is %s",
					storage.ErrGroupNotCollecting, file.GroupKey, g.State)
			}
			f := file
			f.DiscoveredAt = now
			m.members[file.GroupKey][file.SubbandIdx] = f
			m.byPath[file.Path] = [2]interface{}{file.GroupKey, file.SubbandIdx}
		}
	}

	g.LastUpdate = now
	res.MemberCount = len(m.members[file.GroupKey])
	if res.MemberCount >= g.ExpectedSubbands && g.State == pipeline.StateCollecting {
		g.State = pipeline.StatePending
		res.Promoted = true
	}
	m.groups[file.GroupKey] = g
	return res, nil
}

func (m *Store) ForceComplete(_ context.Context, groupKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey]
	if !ok {
		return fmt.Errorf("%s: %w", groupKey, storage.ErrGroupNotFound)
	}
	if g.State != pipeline.StateCollecting {
		return fmt.Errorf("force-complete %s: %w", groupKey, storage.ErrInvalidTransition)
	}
	g.State = pipeline.StatePending
	g.Partial = true
	g.LastUpdate = m.nowFn().UTC()
	m.groups[groupKey] = g
	return nil
}

func (m *Store) GetGroup(_ context.Context, groupKey string) (*pipeline.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", groupKey, storage.ErrGroupNotFound)
	}
	out := g
	out.Calibrators = append([]string(nil), g.Calibrators...)
	return &out, nil
}

func (m *Store) ListGroups(_ context.Context, state pipeline.GroupState, limit int) ([]pipeline.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []pipeline.Group
	for _, g := range m.groups {
		if g.State == state {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ReceivedAt.Equal(groups[j].ReceivedAt) {
			return groups[i].Key < groups[j].Key
		}
		return groups[i].ReceivedAt.Before(groups[j].ReceivedAt)
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (m *Store) ClaimGroup(_ context.Context, groupKey, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey]
	if !ok || g.State != pipeline.StatePending {
		return false, nil
	}
	g.State = pipeline.StateInProgress
	g.ClaimedBy = workerID
	g.LastUpdate = m.nowFn().UTC()
	m.groups[groupKey] = g
	return true, nil
}

func (m *Store) CompleteGroup(_ context.Context, groupKey string) error {
	return m.transition(groupKey, func(g *pipeline.Group) {
		g.State = pipeline.StateCompleted
		g.LastError = ""
	})
}

func (m *Store) FailRetryable(_ context.Context, groupKey, message string, notBefore time.Time) error {
	return m.transition(groupKey, func(g *pipeline.Group) {
		g.State = pipeline.StateFailed
		g.RetryCount++
		g.LastError = message
		g.NotBefore = notBefore.UTC()
	})
}

func (m *Store) FailTerminal(_ context.Context, groupKey, message string) error {
	return m.transition(groupKey, func(g *pipeline.Group) {
		g.State = pipeline.StateFailed
		g.TerminalFailure = true
		g.LastError = message
		g.NotBefore = time.Time{}
	})
}

// transition applies a mutation guarded on the group being in_progress.
func (m *Store) transition(groupKey string, apply func(*pipeline.Group)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey]
	if !ok || g.State != pipeline.StateInProgress {
		return fmt.Errorf("transition %s: %w", groupKey, storage.ErrInvalidTransition)
	}
	apply(&g)
	g.LastUpdate = m.nowFn().UTC()
	m.groups[groupKey] = g
	return nil
}

func (m *Store) RequeueEligible(_ context.Context, maxRetries int, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key, g := range m.groups {
		if g.State != pipeline.StateFailed || g.TerminalFailure || g.RetryCount >= maxRetries {
			continue
		}
		if !g.NotBefore.IsZero() && g.NotBefore.After(now) {
			continue
		}
		g.State = pipeline.StatePending
		g.ClaimedBy = ""
		g.LastUpdate = m.nowFn().UTC()
		m.groups[key] = g
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Store) ReclaimStale(_ context.Context, cutoff, notBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key, g := range m.groups {
		if g.State != pipeline.StateInProgress || !g.LastUpdate.Before(cutoff) {
			continue
		}
		g.State = pipeline.StateFailed
		g.RetryCount++
		g.LastError = "in_progress beyond staleness threshold; owner presumed dead"
		g.NotBefore = notBefore.UTC()
		g.LastUpdate = m.nowFn().UTC()
		m.groups[key] = g
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Store) GroupFiles(_ context.Context, groupKey string) ([]pipeline.SubbandFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var files []pipeline.SubbandFile
	for _, f := range m.members[groupKey] {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].SubbandIdx < files[j].SubbandIdx })
	return files, nil
}

func (m *Store) CountByState(_ context.Context) (map[pipeline.GroupState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[pipeline.GroupState]int)
	for _, g := range m.groups {
		counts[g.State]++
	}
	return counts, nil
}

func (m *Store) InsertSet(_ context.Context, tables []pipeline.CalTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(tables) == 0 {
		return fmt.Errorf("calibration set must contain at least one table")
	}
	for _, ct := range tables {
		for _, existing := range m.tables {
			if existing.Path == ct.Path {
				return fmt.Errorf("caltable path already registered: %s", ct.Path)
			}
			if existing.SetName == ct.SetName && existing.OrderIndex == ct.OrderIndex {
				return fmt.Errorf("duplicate order index %d in set %s", ct.OrderIndex, ct.SetName)
			}
		}
	}
	for _, ct := range tables {
		m.tables = append(m.tables, ct)
		if _, ok := m.calOrder[ct.SetName]; !ok {
			m.calOrder[ct.SetName] = ct.CreatedAt
		}
	}
	return nil
}

func (m *Store) DeactivateSet(_ context.Context, setName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.tables {
		if m.tables[i].SetName == setName {
			m.tables[i].Active = false
		}
	}
	return nil
}

func (m *Store) SetTables(_ context.Context, setName string) ([]pipeline.CalTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []pipeline.CalTable
	for _, ct := range m.tables {
		if ct.SetName == setName {
			out = append(out, ct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *Store) LookupEpoch(_ context.Context, epoch time.Time) ([]pipeline.CalTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pick the most recently created active set covering the epoch; set name
	// breaks creation-time ties deterministically.
	bestSet := ""
	var bestCreated time.Time
	for _, ct := range m.tables {
		if !ct.Active || !ct.Covers(epoch) {
			continue
		}
		created := m.calOrder[ct.SetName]
		if bestSet == "" || created.After(bestCreated) ||
			(created.Equal(bestCreated) && ct.SetName > bestSet) {
			bestSet = ct.SetName
			bestCreated = created
		}
	}
	if bestSet == "" {
		return nil, storage.ErrNoCalibration
	}

	var out []pipeline.CalTable
	for _, ct := range m.tables {
		if ct.SetName == bestSet && ct.Active {
			out = append(out, ct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *Store) RecordPerf(_ context.Context, sample pipeline.PerfSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.perf[sample.GroupKey]; ok {
		return nil
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = m.nowFn().UTC()
	}
	m.perf[sample.GroupKey] = sample
	return nil
}

// PerfSample returns the recorded sample for a group, if any. Test helper.
func (m *Store) PerfSample(groupKey string) (pipeline.PerfSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.perf[groupKey]
	return s, ok
}
