package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
)

// ObserveSubband records one subband arrival inside a single transaction:
// ensure the group exists, detect path conflicts, append membership, and
// promote to pending when the expected count is reached. Re-observing the
// same (group, index) is a no-op. Out-of-range indexes and new members for
// groups past collecting are rejected, so membership never exceeds the
// expected count.
func (a *Adapter) ObserveSubband(ctx context.Context, file pipeline.SubbandFile, seed storage.GroupSeed) (storage.ObserveResult, error) {
	res := storage.ObserveResult{GroupKey: file.GroupKey}
	now := a.nowFn().UTC()

	calibrators, err := marshalCalibrators(seed.Calibrators)
	if err != nil {
		return res, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin observe transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := tx.ExecContext(ctx, queryInsertGroup,
		file.GroupKey, now, seed.ExpectedSubbands, seed.HasCalibrator, calibrators)
	if err != nil {
		return res, fmt.Errorf("failed to ensure group: %w", err)
	}
	if n, err := created.RowsAffected(); err == nil && n > 0 {
		res.Created = true
	}

	var state string
	var expected int
	if err := tx.QueryRowContext(ctx, querySelectGroupGate, file.GroupKey).Scan(&state, &expected); err != nil {
		return res, fmt.Errorf("failed to read group for observation: %w", err)
	}
	if file.SubbandIdx < 0 || file.SubbandIdx >= expected {
		return res, fmt.Errorf("%w: index %d, group %s expects %d",
			storage.ErrSubbandIndexOutOfRange, file.SubbandIdx, file.GroupKey, expected)
	}

	// A path seen before must map to the same slot; anything else is an
	// anomaly the caller logs and drops.
	var prevKey string
	var prevIdx int
	err = tx.QueryRowContext(ctx, querySelectMemberByPath, file.Path).Scan(&prevKey, &prevIdx)
	switch {
	case err == nil:
		if prevKey != file.GroupKey || prevIdx != file.SubbandIdx {
			return res, fmt.Errorf("%w: %s is (%s, %d)",
				storage.ErrPathConflict, file.Path, prevKey, prevIdx)
		}
		res.Duplicate = true
	case errors.Is(err, sql.ErrNoRows):
		// First sighting of this path.
	default:
		return res, fmt.Errorf("failed to check member path: %w", err)
	}

	if !res.Duplicate {
		// New members are accepted only while the group is collecting; a
		// late file after promotion must not grow the processed set.
		if state != string(pipeline.StateCollecting) {
			return res, fmt.Errorf("%w: %s is %s",
				storage.ErrGroupNotCollecting, file.GroupKey, state)
		}
		inserted, err := tx.ExecContext(ctx, queryInsertMember,
			file.GroupKey, file.SubbandIdx, file.Path, file.SizeBytes, now)
		if err != nil {
			return res, fmt.Errorf("failed to insert member: %w", err)
		}
		// Zero rows means the slot is already taken by another path:
		// recorded at most once per index, so this observation is dropped.
		if n, err := inserted.RowsAffected(); err == nil && n == 0 {
			res.Duplicate = true
		}
	}

	if _, err := tx.ExecContext(ctx, queryTouchGroup, file.GroupKey, now); err != nil {
		return res, fmt.Errorf("failed to touch group: %w", err)
	}

	if err := tx.QueryRowContext(ctx, queryCountMembers, file.GroupKey).Scan(&res.MemberCount); err != nil {
		return res, fmt.Errorf("failed to count members: %w", err)
	}

	if res.MemberCount >= expected {
		promoted, err := tx.ExecContext(ctx, queryPromoteComplete, file.GroupKey, now)
		if err != nil {
			return res, fmt.Errorf("failed to promote group: %w", err)
		}
		if n, err := promoted.RowsAffected(); err == nil && n > 0 {
			res.Promoted = true
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit observation: %w", err)
	}

	slog.Debug("[Postgres] Observed subband",
		"group", file.GroupKey,
		"subband", file.SubbandIdx,
		"members", res.MemberCount,
		"promoted", res.Promoted,
		"duplicate", res.Duplicate,
	)
	return res, nil
}

// ForceComplete promotes a collecting group to pending regardless of
// membership, marking it partial.
func (a *Adapter) ForceComplete(ctx context.Context, groupKey string) error {
	res, err := a.db.ExecContext(ctx, queryForceComplete, groupKey, a.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("failed to force-complete group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := a.GetGroup(ctx, groupKey); err != nil {
			return err
		}
		return fmt.Errorf("force-complete %s: %w", groupKey, storage.ErrInvalidTransition)
	}
	return nil
}

func (a *Adapter) GetGroup(ctx context.Context, groupKey string) (*pipeline.Group, error) {
	g, err := scanGroup(a.db.QueryRowContext(ctx, querySelectGroup, groupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", groupKey, storage.ErrGroupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	return g, nil
}

func (a *Adapter) ListGroups(ctx context.Context, state pipeline.GroupState, limit int) ([]pipeline.Group, error) {
	rows, err := a.db.QueryContext(ctx, queryListGroupsByState, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]pipeline.Group, 0, limit)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// ClaimGroup attempts the pending → in_progress transition. A lost race
// (zero rows affected) returns false without error.
func (a *Adapter) ClaimGroup(ctx context.Context, groupKey, workerID string) (bool, error) {
	res, err := a.db.ExecContext(ctx, queryClaimGroup, groupKey, workerID, a.nowFn().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *Adapter) CompleteGroup(ctx context.Context, groupKey string) error {
	return a.guardedTransition(ctx, "complete", groupKey, queryCompleteGroup, groupKey, a.nowFn().UTC())
}

func (a *Adapter) FailRetryable(ctx context.Context, groupKey, message string, notBefore time.Time) error {
	return a.guardedTransition(ctx, "fail", groupKey, queryFailRetryable,
		groupKey, message, notBefore.UTC(), a.nowFn().UTC())
}

func (a *Adapter) FailTerminal(ctx context.Context, groupKey, message string) error {
	return a.guardedTransition(ctx, "fail-terminal", groupKey, queryFailTerminal,
		groupKey, message, a.nowFn().UTC())
}

// guardedTransition runs a conditional state update and maps a zero row
// count to ErrInvalidTransition: terminal transitions may only follow a
// claim.
func (a *Adapter) guardedTransition(ctx context.Context, op, groupKey, query string, args ...interface{}) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s group: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, groupKey, storage.ErrInvalidTransition)
	}
	return nil
}

func (a *Adapter) RequeueEligible(ctx context.Context, maxRetries int, now time.Time) ([]string, error) {
	return a.collectKeys(ctx, queryRequeueEligible, maxRetries, now.UTC())
}

func (a *Adapter) ReclaimStale(ctx context.Context, cutoff, notBefore time.Time) ([]string, error) {
	return a.collectKeys(ctx, queryReclaimStale, cutoff.UTC(), notBefore.UTC(), a.nowFn().UTC())
}

func (a *Adapter) collectKeys(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update groups: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan group key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (a *Adapter) GroupFiles(ctx context.Context, groupKey string) ([]pipeline.SubbandFile, error) {
	rows, err := a.db.QueryContext(ctx, queryGroupFiles, groupKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list group files: %w", err)
	}
	defer rows.Close()

	var files []pipeline.SubbandFile
	for rows.Next() {
		var f pipeline.SubbandFile
		if err := rows.Scan(&f.GroupKey, &f.SubbandIdx, &f.Path, &f.SizeBytes, &f.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (a *Adapter) CountByState(ctx context.Context) (map[pipeline.GroupState]int, error) {
	rows, err := a.db.QueryContext(ctx, queryCountByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.GroupState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[pipeline.GroupState(state)] = n
	}
	return counts, rows.Err()
}
