package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftline/driftline/internal/store"
)

const upsertTaskState = `INSERT INTO task_state
	(task_id, tier, interval_ms, last_run_ms, last_success_ms, consecutive_failures, disabled_until_ms, schema_version, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (task_id) DO UPDATE SET
		tier = EXCLUDED.tier,
		interval_ms = EXCLUDED.interval_ms,
		last_run_ms = EXCLUDED.last_run_ms,
		last_success_ms = EXCLUDED.last_success_ms,
		consecutive_failures = EXCLUDED.consecutive_failures,
		disabled_until_ms = EXCLUDED.disabled_until_ms,
		schema_version = EXCLUDED.schema_version,
		updated_at = now()`

// TaskStateStore implements store.TaskStateStore on the task_state
// table, one upsert per transition.
type TaskStateStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewTaskStateStore(db *sqlx.DB, timeout time.Duration) *TaskStateStore {
	return &TaskStateStore{db: db, timeout: timeout}
}

func (r *TaskStateStore) Load(ctx context.Context) (map[string]store.TaskState, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(opCtx,
		`SELECT task_id, tier, interval_ms, last_run_ms, last_success_ms, consecutive_failures, disabled_until_ms
		 FROM task_state`)
	if err != nil {
		return nil, classify("task_state_load", err)
	}
	defer rows.Close()

	out := make(map[string]store.TaskState)
	for rows.Next() {
		var st store.TaskState
		if err := rows.Scan(&st.TaskID, &st.Tier, &st.IntervalMs, &st.LastRunMs,
			&st.LastSuccessMs, &st.ConsecutiveFailures, &st.DisabledUntilMs); err != nil {
			return nil, classify("task_state_load", err)
		}
		out[st.TaskID] = st
	}
	return out, classify("task_state_load", rows.Err())
}

func (r *TaskStateStore) Save(ctx context.Context, state store.TaskState) error {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(opCtx, upsertTaskState,
		state.TaskID, state.Tier, state.IntervalMs, state.LastRunMs,
		state.LastSuccessMs, state.ConsecutiveFailures, state.DisabledUntilMs,
		store.TaskStateSchemaVersion)
	return classify("task_state_save", err)
}

func (r *TaskStateStore) SaveAll(ctx context.Context, states []store.TaskState) error {
	if len(states) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(opCtx, nil)
	if err != nil {
		return classify("task_state_save_all", err)
	}
	defer tx.Rollback()

	for _, st := range states {
		if _, err := tx.ExecContext(opCtx, upsertTaskState,
			st.TaskID, st.Tier, st.IntervalMs, st.LastRunMs,
			st.LastSuccessMs, st.ConsecutiveFailures, st.DisabledUntilMs,
			store.TaskStateSchemaVersion); err != nil {
			return classify("task_state_save_all", err)
		}
	}
	return classify("task_state_save_all", tx.Commit())
}
