// Package history is the append-only audit log of engine actions and the
// aggregate metrics computed over it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
)

const (
	ActionDecisionMade     = "decision.made"
	ActionDecisionFeedback = "decision.feedback"
	ActionTaskExhausted    = "task.exhausted"
)

type Store struct {
	Repo repo.Repo
	Now  func() time.Time
	Log  *zap.Logger
	// PurgeBatch caps rows removed per Purge call; zero removes all.
	PurgeBatch int
}

func New(r repo.Repo, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Repo: r, Now: time.Now, Log: log}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Detail is the structured detail of a record.
type Detail map[string]any

// Record builds a record stamped with a fresh id and the store clock.
func (s *Store) Record(actorContext, actionType string, detail Detail, result *domain.DecisionResult) (domain.HistoryRecord, error) {
	rec := domain.HistoryRecord{
		ID:             domain.NewID(domain.PrefixHistory),
		ActorContext:   actorContext,
		ActionType:     actionType,
		DecisionResult: result,
		CreatedAt:      s.now(),
	}
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			return rec, fmt.Errorf("marshal history detail: %w", err)
		}
		rec.Detail = data
	}
	return rec, nil
}

// Append stores rec, filling id and timestamp when unset.
func (s *Store) Append(ctx context.Context, rec domain.HistoryRecord) (domain.HistoryRecord, error) {
	rec = s.stamp(rec)
	if err := s.Repo.InsertHistory(ctx, rec); err != nil {
		return rec, apperr.Persistence("append history", err)
	}
	return rec, nil
}

// AppendTx stores rec inside tx.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, rec domain.HistoryRecord) (domain.HistoryRecord, error) {
	rec = s.stamp(rec)
	if err := s.Repo.InsertHistoryTx(ctx, tx, rec); err != nil {
		return rec, apperr.Persistence("append history", err)
	}
	return rec, nil
}

func (s *Store) stamp(rec domain.HistoryRecord) domain.HistoryRecord {
	if rec.ID == "" {
		rec.ID = domain.NewID(domain.PrefixHistory)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return rec
}

func (s *Store) Get(ctx context.Context, id string) (domain.HistoryRecord, error) {
	rec, err := s.Repo.GetHistory(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, apperr.NotFound("history record " + id)
	}
	if err != nil {
		return rec, apperr.Persistence("get history", err)
	}
	return rec, nil
}

type Filter = repo.HistoryFilters

// List returns records newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.HistoryRecord, error) {
	recs, err := s.Repo.ListHistory(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list history", err)
	}
	return recs, nil
}

// Metrics aggregates records created since the given time. A zero since
// covers the whole log.
func (s *Store) Metrics(ctx context.Context, since time.Time) (domain.Metrics, error) {
	m, err := s.Repo.HistoryMetrics(ctx, since)
	if err != nil {
		return m, apperr.Persistence("history metrics", err)
	}
	return m, nil
}

// Snapshot computes metrics over the whole log and persists them.
func (s *Store) Snapshot(ctx context.Context) (domain.MetricsSnapshot, error) {
	m, err := s.Metrics(ctx, time.Time{})
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	snap := domain.MetricsSnapshot{ID: domain.NewID(domain.PrefixSnapshot), TakenAt: s.now(), Metrics: m}
	if err := s.Repo.InsertSnapshot(ctx, snap); err != nil {
		return snap, apperr.Persistence("store metrics snapshot", err)
	}
	s.Log.Debug("metrics snapshot stored", zap.String("snapshot_id", snap.ID), zap.Int("total", m.Total))
	return snap, nil
}

func (s *Store) LatestSnapshot(ctx context.Context) (domain.MetricsSnapshot, error) {
	snap, err := s.Repo.LatestSnapshot(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return snap, apperr.NotFound("metrics snapshot")
	}
	if err != nil {
		return snap, apperr.Persistence("latest metrics snapshot", err)
	}
	return snap, nil
}

// Purge removes records and snapshots older than retention.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, apperr.InvalidArgument("retention must not be negative")
	}
	cutoff := s.now().Add(-retention)
	n, err := s.Repo.DeleteHistoryBefore(ctx, cutoff, s.PurgeBatch)
	if err != nil {
		return 0, apperr.Persistence("purge history", err)
	}
	snaps, err := s.Repo.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return n, apperr.Persistence("purge metrics snapshots", err)
	}
	if n > 0 || snaps > 0 {
		s.Log.Info("history purged", zap.Int("records", n), zap.Int("snapshots", snaps))
	}
	return n, nil
}
