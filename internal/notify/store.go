// Package notify stores user-facing notifications produced as a side effect
// of decisions and signals.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
)

type Store struct {
	Repo       repo.Repo
	Now        func() time.Time
	Log        *zap.Logger
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

type Stats struct {
	Unread int `json:"unread"`
	Read   int `json:"read"`
}

func (s *Store) Create(ctx context.Context, recipient, message string) (domain.Notification, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.Notification{}, apperr.InvalidArgument("recipient is required")
	}
	if strings.TrimSpace(message) == "" {
		return domain.Notification{}, apperr.InvalidArgument("message is required")
	}
	n := domain.Notification{
		ID:               domain.NewID(domain.PrefixNotification),
		RecipientContext: recipient,
		Message:          message,
		Status:           domain.NotificationUnread,
		CreatedAt:        s.now(),
	}
	if err := s.Repo.InsertNotification(ctx, n); err != nil {
		return n, apperr.Persistence("create notification", err)
	}
	return n, nil
}

// MarkRead flips an unread notification to read. Marking an already read
// notification is a no-op that returns it unchanged.
func (s *Store) MarkRead(ctx context.Context, id string) (domain.Notification, error) {
	n, err := s.Repo.MarkNotificationRead(ctx, id, s.now())
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, repo.ErrNotFound):
		return n, apperr.NotFound("notification " + id)
	case errors.Is(err, repo.ErrConflict):
		n, err = s.Repo.GetNotification(ctx, id)
		if err != nil {
			return n, apperr.Persistence("get notification", err)
		}
		return n, nil
	default:
		return n, apperr.Persistence("mark notification read", err)
	}
}

func (s *Store) Get(ctx context.Context, id string) (domain.Notification, error) {
	n, err := s.Repo.GetNotification(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return n, apperr.NotFound("notification " + id)
	}
	if err != nil {
		return n, apperr.Persistence("get notification", err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, recipient string, onlyUnread bool, limit int) ([]domain.Notification, error) {
	list, err := s.Repo.ListNotifications(ctx, recipient, onlyUnread, limit)
	if err != nil {
		return nil, apperr.Persistence("list notifications", err)
	}
	return list, nil
}

// Purge removes notifications older than retention in the given statuses,
// read ones by default.
func (s *Store) Purge(ctx context.Context, retention time.Duration, statuses ...domain.NotificationStatus) (int, error) {
	if retention < 0 {
		return 0, apperr.InvalidArgument("retention must not be negative")
	}
	if len(statuses) == 0 {
		statuses = []domain.NotificationStatus{domain.NotificationRead}
	}
	n, err := s.Repo.DeleteNotificationsBefore(ctx, s.now().Add(-retention), statuses, s.PurgeBatch)
	if err != nil {
		return 0, apperr.Persistence("purge notifications", err)
	}
	if n > 0 {
		s.Log.Info("notifications purged", zap.Int("removed", n))
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.Repo.CountNotificationsByStatus(ctx)
	if err != nil {
		return Stats{}, apperr.Persistence("notification stats", err)
	}
	return Stats{
		Unread: counts[string(domain.NotificationUnread)],
		Read:   counts[string(domain.NotificationRead)],
	}, nil
}
