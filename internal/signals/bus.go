// Package signals is the durable event bus: producers emit signals, the
// router delivers pending ones to the handler registered for their type, and
// the cleaner retires old delivered ones.
package signals

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
	"github.com/okatech-org/sgg.ga-sub007/internal/telemetry"
)

const DefaultClaimLease = 30 * time.Second

var errNoHandler = errors.New("no handler registered")

type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// ClaimLease is how long a claimed signal is hidden from other routers.
	ClaimLease time.Duration
	// PurgeBatch caps rows removed per Cleanup call; zero removes all.
	PurgeBatch int
}

type Bus struct {
	Repo     repo.Repo
	Registry *Registry
	Now      func() time.Time

	log        *zap.Logger
	metrics    *telemetry.Metrics
	claimLease time.Duration
	purgeBatch int
}

type RouteResult struct {
	Routed int `json:"routed"`
	Failed int `json:"failed"`
}

type Stats struct {
	Pending int `json:"pending"`
	Routed  int `json:"routed"`
	Failed  int `json:"failed"`
}

type Filter = repo.SignalFilters

func New(r repo.Repo, reg *Registry, opts Options) *Bus {
	if reg == nil {
		reg = NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lease := opts.ClaimLease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &Bus{
		Repo:       r,
		Registry:   reg,
		Now:        time.Now,
		log:        log,
		metrics:    opts.Metrics,
		claimLease: lease,
		purgeBatch: opts.PurgeBatch,
	}
}

func (b *Bus) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

// encodePayload accepts raw JSON or any value json.Marshal can encode.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(p) {
			return nil, apperr.InvalidArgument("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, apperr.InvalidArgument(fmt.Sprintf("encode payload: %v", err))
		}
		return data, nil
	}
}

// Emit durably records a pending signal. It returns only after the write
// succeeded.
func (b *Bus) Emit(ctx context.Context, typ domain.SignalType, payload any) (string, error) {
	s, err := b.newSignal(typ, payload)
	if err != nil {
		return "", err
	}
	if _, err := b.Repo.InsertSignal(ctx, s); err != nil {
		return "", apperr.Persistence("emit signal", err)
	}
	b.log.Debug("signal emitted", zap.String("signal_id", s.ID), zap.String("type", string(typ)))
	return s.ID, nil
}

// EmitTx records the signal inside tx; it becomes routable once tx commits.
func (b *Bus) EmitTx(ctx context.Context, tx *sql.Tx, typ domain.SignalType, payload any) (string, error) {
	s, err := b.newSignal(typ, payload)
	if err != nil {
		return "", err
	}
	if _, err := b.Repo.InsertSignalTx(ctx, tx, s); err != nil {
		return "", apperr.Persistence("emit signal", err)
	}
	return s.ID, nil
}

func (b *Bus) newSignal(typ domain.SignalType, payload any) (domain.Signal, error) {
	if typ == "" {
		return domain.Signal{}, apperr.InvalidArgument("signal type is required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return domain.Signal{}, err
	}
	return domain.Signal{
		ID:        domain.NewID(domain.PrefixSignal),
		Type:      typ,
		Payload:   data,
		Status:    domain.SignalPending,
		CreatedAt: b.now(),
	}, nil
}

// RoutePending delivers up to batchSize pending signals, oldest first. A
// failing handler marks only its own signal failed; the rest of the batch
// is still routed. Store errors stop the batch and are returned with the
// progress made so far.
func (b *Bus) RoutePending(ctx context.Context, batchSize int) (RouteResult, error) {
	var res RouteResult
	if batchSize <= 0 {
		return res, nil
	}
	now := b.now()
	claimed, err := b.Repo.ClaimPendingSignals(ctx, batchSize, now, now.Add(b.claimLease))
	if err != nil && len(claimed) == 0 {
		return res, apperr.Persistence("claim signals", err)
	}
	for _, s := range claimed {
		herr := b.deliver(ctx, s)
		if herr == nil {
			if merr := b.Repo.MarkSignalRouted(ctx, s.ID, b.now()); merr != nil {
				if errors.Is(merr, repo.ErrConflict) {
					b.log.Warn("signal left pending before routing completed", zap.String("signal_id", s.ID))
					continue
				}
				return res, apperr.Persistence("mark signal routed", merr)
			}
			res.Routed++
			b.metrics.SignalRouted(ctx, string(s.Type))
			continue
		}
		b.log.Warn("signal handler failed",
			zap.String("signal_id", s.ID),
			zap.String("type", string(s.Type)),
			zap.Error(herr))
		if merr := b.Repo.MarkSignalFailed(ctx, s.ID, b.now(), herr.Error()); merr != nil {
			if errors.Is(merr, repo.ErrConflict) {
				continue
			}
			return res, apperr.Persistence("mark signal failed", merr)
		}
		res.Failed++
		b.metrics.SignalFailed(ctx, string(s.Type))
	}
	if err != nil {
		return res, apperr.Persistence("claim signals", err)
	}
	return res, nil
}

func (b *Bus) deliver(ctx context.Context, s domain.Signal) (err error) {
	h, ok := b.Registry.Lookup(s.Type)
	if !ok {
		return apperr.Handler(string(s.Type), errNoHandler)
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Handler(string(s.Type), fmt.Errorf("panic: %v", r))
		}
	}()
	if herr := h.Handle(ctx, s); herr != nil {
		return apperr.Handler(string(s.Type), herr)
	}
	return nil
}

// Cleanup deletes routed and failed signals older than retention. Pending
// signals are kept regardless of age.
func (b *Bus) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, apperr.InvalidArgument("retention must not be negative")
	}
	n, err := b.Repo.DeleteSignalsBefore(ctx, b.now().Add(-retention), b.purgeBatch)
	if err != nil {
		return 0, apperr.Persistence("cleanup signals", err)
	}
	if n > 0 {
		b.log.Info("signals cleaned up", zap.Int("removed", n))
	}
	return n, nil
}

func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.Repo.CountSignalsByStatus(ctx)
	if err != nil {
		return Stats{}, apperr.Persistence("signal stats", err)
	}
	return Stats{
		Pending: counts[string(domain.SignalPending)],
		Routed:  counts[string(domain.SignalRouted)],
		Failed:  counts[string(domain.SignalFailed)],
	}, nil
}

func (b *Bus) Get(ctx context.Context, id string) (domain.Signal, error) {
	s, err := b.Repo.GetSignal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, apperr.NotFound("signal " + id)
	}
	if err != nil {
		return s, apperr.Persistence("get signal", err)
	}
	return s, nil
}

func (b *Bus) List(ctx context.Context, f Filter) ([]domain.Signal, error) {
	list, err := b.Repo.ListSignals(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list signals", err)
	}
	return list, nil
}
