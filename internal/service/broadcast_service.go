package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/internal/repository"
	"github.com/vedran77/courtside/pkg/logger"
	"github.com/vedran77/courtside/pkg/validator"
	"golang.org/x/sync/errgroup"
)

type BroadcastMode string

const (
	// BroadcastPartial inserts recipients independently. Rows already
	// delivered stay delivered when a later one fails.
	BroadcastPartial BroadcastMode = "partial"
	// BroadcastTransactional inserts every row in one transaction.
	BroadcastTransactional BroadcastMode = "transactional"
)

const defaultPlanTTL = 10 * time.Minute

// BroadcastPlan is a resolved recipient set awaiting confirmation.
type BroadcastPlan struct {
	ID         uuid.UUID              `json:"id"`
	AdminID    uuid.UUID              `json:"admin_id"`
	Content    string                 `json:"content"`
	Filter     domain.RecipientFilter `json:"filter"`
	Mode       BroadcastMode          `json:"mode"`
	Recipients []uuid.UUID            `json:"recipients"`
	Count      int                    `json:"count"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

type BroadcastResult struct {
	PlanID    uuid.UUID `json:"plan_id"`
	Requested int       `json:"requested"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	// Partial is set when some but not all recipients were delivered;
	// callers should check the recipient list.
	Partial bool `json:"partial"`
}

func (r *BroadcastResult) String() string {
	return fmt.Sprintf("%d of %d delivered", r.Delivered, r.Requested)
}

// PlanStore holds prepared plans until they are committed or expire.
type PlanStore interface {
	Save(ctx context.Context, plan *BroadcastPlan, ttl time.Duration) error
	// Get returns ErrPlanNotFound for unknown or expired plans.
	Get(ctx context.Context, id uuid.UUID) (*BroadcastPlan, error)
	// Delete reports whether the plan was still present, so only one
	// commit can win.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

type BroadcastService struct {
	messages    *MessageService
	repo        repository.MessageRepository
	users       repository.UserRepository
	plans       PlanStore
	concurrency int
	planTTL     time.Duration
}

func NewBroadcastService(messages *MessageService, repo repository.MessageRepository, users repository.UserRepository, plans PlanStore) *BroadcastService {
	return &BroadcastService{
		messages:    messages,
		repo:        repo,
		users:       users,
		plans:       plans,
		concurrency: 1,
		planTTL:     defaultPlanTTL,
	}
}

// SetConcurrency bounds parallel inserts in partial mode; 1 is sequential.
func (s *BroadcastService) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.concurrency = n
}

func (s *BroadcastService) SetPlanTTL(d time.Duration) {
	if d > 0 {
		s.planTTL = d
	}
}

// Prepare resolves the recipient set once and stores it as a plan. The
// admin is never a recipient of their own broadcast.
func (s *BroadcastService) Prepare(ctx context.Context, caller Caller, content string, filter domain.RecipientFilter, mode BroadcastMode) (*BroadcastPlan, error) {
	if !caller.IsAdmin {
		return nil, ErrForbidden
	}
	if mode == "" {
		mode = BroadcastPartial
	}

	errs := validator.ValidateBroadcast(content, string(filter.Kind), filter.GroupID)
	if mode != BroadcastPartial && mode != BroadcastTransactional {
		errs.Add("mode", "Mode must be partial or transactional")
	}
	if errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}

	ids, err := s.users.ListRecipientIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}

	recipients := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != caller.UserID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil, invalid("filter", "No recipients match this filter")
	}

	now := time.Now().UTC()
	plan := &BroadcastPlan{
		ID:         uuid.Must(uuid.NewV7()),
		AdminID:    caller.UserID,
		Content:    content,
		Filter:     filter,
		Mode:       mode,
		Recipients: recipients,
		Count:      len(recipients),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.planTTL),
	}
	if err := s.plans.Save(ctx, plan, s.planTTL); err != nil {
		return nil, fmt.Errorf("saving plan: %w", err)
	}

	logger.Info().
		Stringer("plan_id", plan.ID).
		Stringer("admin_id", caller.UserID).
		Str("filter", string(filter.Kind)).
		Int("recipients", plan.Count).
		Msg("broadcast prepared")
	return plan, nil
}

// Commit expands a prepared plan into pairwise messages. A plan commits at
// most once. In partial mode the result is an error only when nothing was
// delivered.
func (s *BroadcastService) Commit(ctx context.Context, caller Caller, planID uuid.UUID) (*BroadcastResult, error) {
	if !caller.IsAdmin {
		return nil, ErrForbidden
	}

	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.AdminID != caller.UserID {
		return nil, ErrForbidden
	}
	ok, err := s.plans.Delete(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("claiming plan: %w", err)
	}
	if !ok {
		return nil, ErrPlanNotFound
	}

	admin, err := s.users.GetByID(ctx, plan.AdminID)
	if err != nil {
		return nil, fmt.Errorf("loading admin: %w", err)
	}

	if plan.Mode == BroadcastTransactional {
		return s.commitAll(ctx, plan, admin)
	}
	return s.commitPartial(ctx, plan, admin)
}

// Broadcast prepares and commits in one call.
func (s *BroadcastService) Broadcast(ctx context.Context, caller Caller, content string, filter domain.RecipientFilter, mode BroadcastMode) (*BroadcastResult, error) {
	plan, err := s.Prepare(ctx, caller, content, filter, mode)
	if err != nil {
		return nil, err
	}
	return s.Commit(ctx, caller, plan.ID)
}

func (s *BroadcastService) commitPartial(ctx context.Context, plan *BroadcastPlan, admin *domain.User) (*BroadcastResult, error) {
	var delivered, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, recipientID := range plan.Recipients {
		g.Go(func() error {
			msg := s.messages.newMessage(admin, plan.AdminID, recipientID, plan.Content, domain.MessageTypeUser)
			if err := s.messages.deliver(ctx, msg); err != nil {
				failed.Add(1)
				metrics.BroadcastRecipients.WithLabelValues("failed").Inc()
				logger.Warn().Err(err).Stringer("plan_id", plan.ID).Stringer("recipient_id", recipientID).Msg("broadcast recipient failed")
				return nil
			}
			delivered.Add(1)
			metrics.BroadcastRecipients.WithLabelValues("delivered").Inc()
			return nil
		})
	}
	_ = g.Wait()

	result := &BroadcastResult{
		PlanID:    plan.ID,
		Requested: plan.Count,
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
	result.Partial = result.Failed > 0 && result.Delivered > 0

	logger.Info().Stringer("plan_id", plan.ID).Str("result", result.String()).Msg("broadcast committed")
	if result.Delivered == 0 {
		return result, fmt.Errorf("%w: %s", ErrBroadcastFailed, result)
	}
	return result, nil
}

func (s *BroadcastService) commitAll(ctx context.Context, plan *BroadcastPlan, admin *domain.User) (*BroadcastResult, error) {
	msgs := make([]domain.Message, len(plan.Recipients))
	for i, recipientID := range plan.Recipients {
		msgs[i] = *s.messages.newMessage(admin, plan.AdminID, recipientID, plan.Content, domain.MessageTypeUser)
	}

	err := s.messages.retryOnce(ctx, func() error { return s.repo.CreateBatch(ctx, msgs) })
	if err != nil {
		metrics.BroadcastRecipients.WithLabelValues("failed").Add(float64(len(msgs)))
		result := &BroadcastResult{PlanID: plan.ID, Requested: plan.Count, Failed: plan.Count}
		return result, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	metrics.MessagesSent.WithLabelValues(string(domain.MessageTypeUser)).Add(float64(len(msgs)))
	metrics.BroadcastRecipients.WithLabelValues("delivered").Add(float64(len(msgs)))
	for i := range msgs {
		s.messages.announce(ctx, &msgs[i])
	}

	logger.Info().Stringer("plan_id", plan.ID).Int("delivered", len(msgs)).Msg("broadcast committed in one transaction")
	return &BroadcastResult{PlanID: plan.ID, Requested: plan.Count, Delivered: len(msgs)}, nil
}
