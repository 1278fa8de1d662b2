package postgres

// SQL for the ingest queue, calibration registry and metrics tables.
//
// Every group-state transition below is a single conditional UPDATE guarded
// on the current state; callers check the affected row count. That guard is
// the only concurrency-safety mechanism the queue has, so none of these may
// be split into a read followed by a write.

const (
	// queryInsertGroup creates the group record on first sight of its key.
	// ON CONFLICT DO NOTHING keeps observation idempotent across restarts.
	queryInsertGroup = `
		INSERT INTO groups (
			group_key, state, received_at, last_update,
			expected_subbands, has_calibrator, calibrators
		)
		VALUES ($1, 'collecting', $2, $2, $3, $4, $5)
		ON CONFLICT (group_key) DO NOTHING
	`

	// querySelectGroupGate reads the fields that gate member insertion,
	// locking the group row for the rest of the observe transaction.
	querySelectGroupGate = `
		SELECT state, expected_subbands
		FROM groups
		WHERE group_key = $1
		FOR UPDATE
	`

	// querySelectMemberByPath detects a file re-observed under a different
	// slot. The path is unique across all groups.
	querySelectMemberByPath = `
		SELECT group_key, subband_idx
		FROM subband_files
		WHERE path = $1
	`

	queryInsertMember = `
		INSERT INTO subband_files (group_key, subband_idx, path, size_bytes, discovered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_key, subband_idx) DO NOTHING
	`

	queryTouchGroup = `
		UPDATE groups SET last_update = $2 WHERE group_key = $1
	`

	queryCountMembers = `
		SELECT COUNT(*) FROM subband_files WHERE group_key = $1
	`

	// queryPromoteComplete performs collecting → pending once membership is
	// satisfied. The state guard makes re-observation after promotion a
	// no-op.
	queryPromoteComplete = `
		UPDATE groups
		SET state = 'pending', last_update = $2
		WHERE group_key = $1 AND state = 'collecting'
	`

	// queryForceComplete promotes a partial group on an external timeout
	// signal.
	queryForceComplete = `
		UPDATE groups
		SET state = 'pending', partial = TRUE, last_update = $2
		WHERE group_key = $1 AND state = 'collecting'
	`

	querySelectGroup = `
		SELECT group_key, state, received_at, last_update, expected_subbands,
		       partial, has_calibrator, calibrators, retry_count,
		       terminal_failure, not_before, last_error, claimed_by
		FROM groups
		WHERE group_key = $1
	`

	queryListGroupsByState = `
		SELECT group_key, state, received_at, last_update, expected_subbands,
		       partial, has_calibrator, calibrators, retry_count,
		       terminal_failure, not_before, last_error, claimed_by
		FROM groups
		WHERE state = $1
		ORDER BY received_at ASC
		LIMIT $2
	`

	// queryClaimGroup is the pending → in_progress claim. Exactly one
	// concurrent claimer sees one row affected.
	queryClaimGroup = `
		UPDATE groups
		SET state = 'in_progress', claimed_by = $2, last_update = $3
		WHERE group_key = $1 AND state = 'pending'
	`

	queryCompleteGroup = `
		UPDATE groups
		SET state = 'completed', last_error = '', last_update = $2
		WHERE group_key = $1 AND state = 'in_progress'
	`

	queryFailRetryable = `
		UPDATE groups
		SET state = 'failed', retry_count = retry_count + 1,
		    last_error = $2, not_before = $3, last_update = $4
		WHERE group_key = $1 AND state = 'in_progress'
	`

	queryFailTerminal = `
		UPDATE groups
		SET state = 'failed', terminal_failure = TRUE,
		    last_error = $2, not_before = NULL, last_update = $3
		WHERE group_key = $1 AND state = 'in_progress'
	`

	// queryRequeueEligible re-queues failed groups whose budget remains and
	// whose backoff deadline has passed.
	queryRequeueEligible = `
		UPDATE groups
		SET state = 'pending', claimed_by = '', last_update = $2
		WHERE state = 'failed'
		  AND NOT terminal_failure
		  AND retry_count < $1
		  AND (not_before IS NULL OR not_before <= $2)
		RETURNING group_key
	`

	// queryReclaimStale recovers groups abandoned mid-flight (owner crashed
	// without a terminal transition). Staleness counts as one retryable
	// failure.
	queryReclaimStale = `
		UPDATE groups
		SET state = 'failed', retry_count = retry_count + 1,
		    last_error = 'in_progress beyond staleness threshold; owner presumed dead',
		    not_before = $2, last_update = $3
		WHERE state = 'in_progress' AND last_update < $1
		RETURNING group_key
	`

	queryGroupFiles = `
		SELECT group_key, subband_idx, path, size_bytes, discovered_at
		FROM subband_files
		WHERE group_key = $1
		ORDER BY subband_idx ASC
	`

	queryCountByState = `
		SELECT state, COUNT(*) FROM groups GROUP BY state
	`

	queryInsertCalTable = `
		INSERT INTO caltables (
			set_name, path, table_type, order_index,
			valid_start, valid_end, created_at, active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	queryDeactivateSet = `
		UPDATE caltables SET active = FALSE WHERE set_name = $1
	`

	querySetTables = `
		SELECT set_name, path, table_type, order_index,
		       valid_start, valid_end, created_at, active
		FROM caltables
		WHERE set_name = $1
		ORDER BY order_index ASC
	`

	// queryLookupEpoch returns the most recently created active set whose
	// half-open window covers the epoch, artifacts in apply order. The
	// created_at tie-break keeps concurrent matches deterministic.
	queryLookupEpoch = `
		SELECT set_name, path, table_type, order_index,
		       valid_start, valid_end, created_at, active
		FROM caltables
		WHERE active
		  AND set_name = (
			SELECT set_name
			FROM caltables
			WHERE active AND valid_start <= $1 AND $1 < valid_end
			GROUP BY set_name
			ORDER BY MAX(created_at) DESC, set_name DESC
			LIMIT 1
		  )
		ORDER BY order_index ASC
	`

	// queryInsertPerf records the one-shot timing breakdown. Samples are
	// immutable: conflicts are ignored, never updated.
	queryInsertPerf = `
		INSERT INTO group_metrics (group_key, stage_seconds, total_seconds, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_key) DO NOTHING
	`
)
