package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

func scanConfigEntry(row rowScanner) (domain.ConfigEntry, error) {
	var e domain.ConfigEntry
	var updatedAt int64
	if err := row.Scan(&e.Key, &e.Value, &e.Source, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, ErrNotFound
		}
		return e, err
	}
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

func (r Repo) GetConfigEntry(ctx context.Context, key string) (domain.ConfigEntry, error) {
	return scanConfigEntry(r.DB.QueryRowContext(ctx, `SELECT key,value,source,updated_at FROM config_entries WHERE key=?`, key))
}

func (r Repo) ListConfigEntries(ctx context.Context) ([]domain.ConfigEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,source,updated_at FROM config_entries ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfigEntry
	for rows.Next() {
		e, err := scanConfigEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertConfigOverride writes an administrative value for key.
func (r Repo) UpsertConfigOverride(ctx context.Context, key, value string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO config_entries(key,value,source,updated_at) VALUES (?,?,'override',?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, source='override', updated_at=excluded.updated_at`,
		key, value, toMillis(now))
	return err
}

// InsertConfigDefault seeds a default row unless key already has one.
func (r Repo) InsertConfigDefault(ctx context.Context, key, value string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO config_entries(key,value,source,updated_at) VALUES (?,?,'default',?)`,
		key, value, toMillis(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteConfigOverride drops an override row. Default rows are kept.
func (r Repo) DeleteConfigOverride(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM config_entries WHERE key=? AND source='override'`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWeight(row rowScanner) (domain.Weight, error) {
	var w domain.Weight
	var updatedAt int64
	if err := row.Scan(&w.ContextKey, &w.CriterionKey, &w.Value, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, ErrNotFound
		}
		return w, err
	}
	w.UpdatedAt = fromMillis(updatedAt)
	return w, nil
}

func (r Repo) ListWeights(ctx context.Context, contextKey string) ([]domain.Weight, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT context_key,criterion_key,value,updated_at FROM weights WHERE context_key=? ORDER BY criterion_key ASC`, contextKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Weight
	for rows.Next() {
		w, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListWeightContexts(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT context_key FROM weights ORDER BY context_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertWeight(ctx context.Context, w domain.Weight) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO weights(context_key,criterion_key,value,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(context_key,criterion_key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		w.ContextKey, w.CriterionKey, w.Value, toMillis(w.UpdatedAt))
	return err
}

func (r Repo) InsertWeightIfAbsent(ctx context.Context, w domain.Weight) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO weights(context_key,criterion_key,value,updated_at) VALUES (?,?,?,?)`,
		w.ContextKey, w.CriterionKey, w.Value, toMillis(w.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AdjustWeight adds delta to a weight and clamps the result to [lo, hi] in
// a single statement, so concurrent adjustments never read-modify-write.
func (r Repo) AdjustWeight(ctx context.Context, contextKey, criterionKey string, delta, lo, hi float64, now time.Time) (domain.Weight, error) {
	return scanWeight(r.DB.QueryRowContext(ctx, `UPDATE weights SET value=MIN(MAX(value+?, ?), ?), updated_at=?
		WHERE context_key=? AND criterion_key=?
		RETURNING context_key,criterion_key,value,updated_at`,
		delta, lo, hi, toMillis(now), contextKey, criterionKey))
}
