package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

const signalColumns = `seq,id,type,payload,status,COALESCE(last_error,''),created_at,routed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (domain.Signal, error) {
	var s domain.Signal
	var payload string
	var createdAt int64
	var routedAt sql.NullInt64
	if err := row.Scan(&s.Seq, &s.ID, &s.Type, &payload, &s.Status, &s.LastError, &createdAt, &routedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Payload = []byte(payload)
	s.CreatedAt = fromMillis(createdAt)
	s.RoutedAt = fromNullMillis(routedAt)
	return s, nil
}

// InsertSignal stores a pending signal and returns its creation sequence.
func (r Repo) InsertSignal(ctx context.Context, s domain.Signal) (int64, error) {
	return insertSignal(ctx, r.DB, s)
}

func (r Repo) InsertSignalTx(ctx context.Context, tx *sql.Tx, s domain.Signal) (int64, error) {
	return insertSignal(ctx, tx, s)
}

func insertSignal(ctx context.Context, db execer, s domain.Signal) (int64, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO signals(id,type,payload,status,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Type, payloadOrEmpty(s.Payload), domain.SignalPending, toMillis(s.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=?`, id))
}

type SignalFilters struct {
	Status domain.SignalStatus
	Type   domain.SignalType
	// AfterSeq pages forward through creation order.
	AfterSeq int64
	Limit    int
}

func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.Signal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, sqlLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals `+where+` ORDER BY seq ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClaimPendingSignals leases up to limit unleased pending signals in creation
// order. A row is only claimed if it is still pending and unleased when the
// conditional update runs, so two concurrent routers never claim the same one.
func (r Repo) ClaimPendingSignals(ctx context.Context, limit int, now, leaseUntil time.Time) ([]domain.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMS := toMillis(now)
	candidates, err := r.pendingSignalCandidates(ctx, limit, nowMS)
	if err != nil {
		return nil, err
	}
	claimed := make([]domain.Signal, 0, len(candidates))
	for _, id := range candidates {
		s, err := scanSignal(r.DB.QueryRowContext(ctx, `UPDATE signals SET claimed_until=?
			WHERE id=? AND status='pending' AND claimed_until<=?
			RETURNING `+signalColumns, toMillis(leaseUntil), id, nowMS))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, s)
	}
	return claimed, nil
}

func (r Repo) pendingSignalCandidates(ctx context.Context, limit int, nowMS int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM signals WHERE status='pending' AND claimed_until<=? ORDER BY seq ASC LIMIT ?`, nowMS, limit)
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

// MarkSignalRouted moves a pending signal to routed. ErrConflict means the
// signal already left pending.
func (r Repo) MarkSignalRouted(ctx context.Context, id string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE signals SET status='routed', routed_at=?, claimed_until=0, last_error=NULL WHERE id=? AND status='pending'`,
		toMillis(now), id)
	if err != nil {
		return err
	}
	return affectedOrConflict(res)
}

func (r Repo) MarkSignalFailed(ctx context.Context, id string, now time.Time, lastErr string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE signals SET status='failed', routed_at=?, claimed_until=0, last_error=? WHERE id=? AND status='pending'`,
		toMillis(now), nullable(lastErr), id)
	if err != nil {
		return err
	}
	return affectedOrConflict(res)
}

// DeleteSignalsBefore removes routed and failed signals created before cutoff.
// Pending signals are never selected.
func (r Repo) DeleteSignalsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM signals WHERE seq IN (
		SELECT seq FROM signals WHERE status IN ('routed','failed') AND created_at<? ORDER BY seq ASC LIMIT ?)`,
		toMillis(cutoff), sqlLimit(limit))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) CountSignalsByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.DB, "signals")
}
