package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

const taskColumns = `seq,id,kind,payload,status,attempts,max_attempts,next_attempt_at,COALESCE(last_error,''),created_at,updated_at,started_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var payload string
	var nextAt, createdAt, updatedAt int64
	var startedAt sql.NullInt64
	if err := row.Scan(&t.Seq, &t.ID, &t.Kind, &payload, &t.Status, &t.Attempts, &t.MaxAttempts, &nextAt, &t.LastError, &createdAt, &updatedAt, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Payload = []byte(payload)
	t.NextAttemptAt = fromMillis(nextAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.StartedAt = fromNullMillis(startedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,kind,payload,status,attempts,max_attempts,next_attempt_at,created_at,updated_at) VALUES (?,?,?,?,0,?,?,?,?)`,
		t.ID, t.Kind, payloadOrEmpty(t.Payload), domain.TaskPending, t.MaxAttempts, toMillis(t.NextAttemptAt), toMillis(t.CreatedAt), toMillis(t.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status domain.TaskStatus
	Kind   string
	Limit  int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, sqlLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const claimableTask = `((status='pending' AND next_attempt_at<=?) OR (status='running' AND started_at<?))`

// ClaimDueTasks moves up to limit due tasks to running, earliest due first.
// Tasks left running since before staleBefore are claimable again so a crashed
// run does not strand them. Each claim is a conditional update; a task claimed
// by someone else in between is skipped.
func (r Repo) ClaimDueTasks(ctx context.Context, limit int, now, staleBefore time.Time) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMS, staleMS := toMillis(now), toMillis(staleBefore)
	ids, err := r.dueTaskCandidates(ctx, limit, nowMS, staleMS)
	if err != nil {
		return nil, err
	}
	claimed := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := scanTask(r.DB.QueryRowContext(ctx, `UPDATE tasks SET status='running', started_at=?, updated_at=?
			WHERE id=? AND `+claimableTask+`
			RETURNING `+taskColumns, nowMS, nowMS, id, nowMS, staleMS))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (r Repo) dueTaskCandidates(ctx context.Context, limit int, nowMS, staleMS int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE `+claimableTask+` ORDER BY next_attempt_at ASC, seq ASC LIMIT ?`,
		nowMS, staleMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TaskResult is the outcome written back for a running task.
type TaskResult struct {
	ID            string
	Status        domain.TaskStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Now           time.Time
}

// FinishTask records the outcome of a run. It only applies while the task is
// still running, and attempts is capped at max_attempts.
func (r Repo) FinishTask(ctx context.Context, res TaskResult) error {
	next := toMillis(res.NextAttemptAt)
	out, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, attempts=MIN(?, max_attempts),
		next_attempt_at=CASE WHEN ?>0 THEN ? ELSE next_attempt_at END,
		last_error=?, updated_at=?, started_at=NULL
		WHERE id=? AND status='running'`,
		res.Status, res.Attempts, next, next, nullable(res.LastError), toMillis(res.Now), res.ID)
	if err != nil {
		return err
	}
	return affectedOrConflict(out)
}

// ResetTask makes a failed or exhausted task pending again with a fresh
// attempt budget.
func (r Repo) ResetTask(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	nowMS := toMillis(now)
	t, err := scanTask(r.DB.QueryRowContext(ctx, `UPDATE tasks SET status='pending', attempts=0, next_attempt_at=?, last_error=NULL, updated_at=?
		WHERE id=? AND status IN ('failed','exhausted')
		RETURNING `+taskColumns, nowMS, nowMS, id))
	if errors.Is(err, ErrNotFound) {
		if _, gerr := r.GetTask(ctx, id); gerr != nil {
			return domain.Task{}, gerr
		}
		return domain.Task{}, ErrConflict
	}
	return t, err
}

// DeleteTasksBefore removes tasks in the given terminal statuses last updated
// before cutoff.
func (r Repo) DeleteTasksBefore(ctx context.Context, cutoff time.Time, statuses []domain.TaskStatus, limit int) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{toMillis(cutoff)}
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, sqlLimit(limit))
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE seq IN (
		SELECT seq FROM tasks WHERE updated_at<? AND status IN (`+inClause(len(statuses))+`) ORDER BY seq ASC LIMIT ?)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.DB, "tasks")
}
