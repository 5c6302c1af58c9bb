package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

const historyColumns = `id,actor_context,action_type,COALESCE(detail,''),COALESCE(decision_result,''),created_at`

func scanHistory(row rowScanner) (domain.HistoryRecord, error) {
	var h domain.HistoryRecord
	var detail, result string
	var createdAt int64
	if err := row.Scan(&h.ID, &h.ActorContext, &h.ActionType, &detail, &result, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, ErrNotFound
		}
		return h, err
	}
	if detail != "" {
		h.Detail = []byte(detail)
	}
	if result != "" {
		var dr domain.DecisionResult
		if err := json.Unmarshal([]byte(result), &dr); err != nil {
			return h, fmt.Errorf("decode decision result %s: %w", h.ID, err)
		}
		h.DecisionResult = &dr
	}
	h.CreatedAt = fromMillis(createdAt)
	return h, nil
}

func (r Repo) InsertHistory(ctx context.Context, h domain.HistoryRecord) error {
	return insertHistory(ctx, r.DB, h)
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryRecord) error {
	return insertHistory(ctx, tx, h)
}

func insertHistory(ctx context.Context, db execer, h domain.HistoryRecord) error {
	var result, verdict, total any
	if h.DecisionResult != nil {
		data, err := json.Marshal(h.DecisionResult)
		if err != nil {
			return fmt.Errorf("marshal decision result: %w", err)
		}
		result = string(data)
		verdict = string(h.DecisionResult.Verdict)
		total = h.DecisionResult.TotalScore
	}
	_, err := db.ExecContext(ctx, `INSERT INTO history(id,actor_context,action_type,detail,decision_result,verdict,total_score,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.ActorContext, h.ActionType, nullableBytes(h.Detail), result, verdict, total, toMillis(h.CreatedAt))
	return err
}

func (r Repo) GetHistory(ctx context.Context, id string) (domain.HistoryRecord, error) {
	return scanHistory(r.DB.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE id=?`, id))
}

type HistoryFilters struct {
	ActorContext string
	ActionType   string
	Limit        int
}

func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryRecord, error) {
	var clauses []string
	var args []any
	if f.ActorContext != "" {
		clauses = append(clauses, "actor_context=?")
		args = append(args, f.ActorContext)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, sqlLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM history `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryMetrics aggregates records created at or after since.
func (r Repo) HistoryMetrics(ctx context.Context, since time.Time) (domain.Metrics, error) {
	m := domain.Metrics{Since: since, ByAction: map[string]int{}, Verdicts: map[domain.Verdict]int{}}
	sinceMS := toMillis(since)

	rows, err := r.DB.QueryContext(ctx, `SELECT action_type, COUNT(*) FROM history WHERE created_at>=? GROUP BY action_type`, sinceMS)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return m, err
		}
		m.ByAction[action] = n
		m.Total += n
	}
	if err := rows.Close(); err != nil {
		return m, err
	}

	rows, err = r.DB.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM history WHERE created_at>=? AND verdict IS NOT NULL GROUP BY verdict`, sinceMS)
	if err != nil {
		return m, err
	}
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			rows.Close()
			return m, err
		}
		m.Verdicts[domain.Verdict(verdict)] = n
	}
	if err := rows.Close(); err != nil {
		return m, err
	}

	var avg sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx, `SELECT AVG(total_score) FROM history WHERE created_at>=? AND total_score IS NOT NULL`, sinceMS).Scan(&avg); err != nil {
		return m, err
	}
	m.AverageScore = avg.Float64
	return m, nil
}

func (r Repo) DeleteHistoryBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM history WHERE id IN (
		SELECT id FROM history WHERE created_at<? ORDER BY created_at ASC LIMIT ?)`, toMillis(cutoff), sqlLimit(limit))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) InsertSnapshot(ctx context.Context, s domain.MetricsSnapshot) error {
	data, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO metrics_snapshots(id,taken_at,metrics) VALUES (?,?,?)`, s.ID, toMillis(s.TakenAt), string(data))
	return err
}

func (r Repo) LatestSnapshot(ctx context.Context) (domain.MetricsSnapshot, error) {
	var s domain.MetricsSnapshot
	var takenAt int64
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT id,taken_at,metrics FROM metrics_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`).Scan(&s.ID, &takenAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.TakenAt = fromMillis(takenAt)
	if err := json.Unmarshal([]byte(data), &s.Metrics); err != nil {
		return s, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
	}
	return s, nil
}

func (r Repo) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM metrics_snapshots WHERE taken_at<?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
