// Package users implements user management for the greeting API: validated
// CRUD over the user store, plus cancellation of the pending greeting when a
// user's schedule changes or the user is removed.
package users

import (
	"context"
	"fmt"
	"strings"
	"time"

	"birthdaygreeter/internal/types"
)

// Store is the user persistence contract.
type Store interface {
	Create(ctx context.Context, u *types.User) error
	GetByID(ctx context.Context, id string) (*types.User, error)
	List(ctx context.Context, cursor string, limit int) ([]*types.User, types.PageInfo, error)
	Update(ctx context.Context, u *types.User) error
	Delete(ctx context.Context, id string) error
}

// DeliveryStore is the part of the delivery tracker the service needs.
type DeliveryStore interface {
	Get(ctx context.Context, key string) (*types.DeliveryRecord, error)
	Cancel(ctx context.Context, key string, now time.Time) error
}

// CreateInput is a new user as submitted by a client.
type CreateInput struct {
	FirstName string
	LastName  string
	Birthday  string
	Location  string
}

// UpdateInput is a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	FirstName *string
	LastName  *string
	Birthday  *string
	Location  *string
}

// Service owns user lifecycle rules.
type Service struct {
	store      Store
	deliveries DeliveryStore
	clock      types.Clock
	newID      func() string
	logger     types.Logger
}

// NewService wires a Service. Every dependency is required.
func NewService(store Store, deliveries DeliveryStore, clock types.Clock, newID func() string, logger types.Logger) *Service {
	return &Service{
		store:      store,
		deliveries: deliveries,
		clock:      clock,
		newID:      newID,
		logger:     logger,
	}
}

// Create validates in and stores a new user with a generated id.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.User, error) {
	now := s.clock.Now()

	birthday, err := types.ParseBirthday(in.Birthday, now)
	if err != nil {
		return nil, err
	}
	u := &types.User{
		ID:         s.newID(),
		FirstName:  strings.TrimSpace(in.FirstName),
		LastName:   strings.TrimSpace(in.LastName),
		Birthday:   birthday,
		BirthdayMD: types.BirthdayMD(birthday),
		Location:   strings.TrimSpace(in.Location),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := types.ValidateUser(u); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user created", "user_id", u.ID, "location", u.Location)
	return u, nil
}

// Get returns one user.
func (s *Service) Get(ctx context.Context, id string) (*types.User, error) {
	return s.store.GetByID(ctx, id)
}

// List returns a page of users ordered by id.
func (s *Service) List(ctx context.Context, cursor string, limit int) ([]*types.User, types.PageInfo, error) {
	return s.store.List(ctx, cursor, limit)
}

// Update applies in to the user. When birthday or location change, the
// user's open greeting is cancelled; the poller re-detects the user under
// the new schedule.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*types.User, error) {
	now := s.clock.Now()

	patch, err := toPatch(in, now)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, types.NewAppError(types.ErrCodeValidationEmptyPatch, "at least one field must be provided", nil)
	}

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, scheduleChanged := patch.Apply(current)
	updated.UpdatedAt = now
	if err := types.ValidateUser(updated); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, updated); err != nil {
		return nil, err
	}

	if scheduleChanged {
		if err := s.cancelOpen(ctx, id, now); err != nil {
			return nil, err
		}
	}
	s.logger.Info("user updated", "user_id", id, "schedule_changed", scheduleChanged)
	return updated, nil
}

// Delete removes the user and cancels any open greeting.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.cancelOpen(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info("user deleted", "user_id", id)
	return nil
}

// GetDelivery returns the delivery record of the user for an occurrence
// date in YYYY-MM-DD form.
func (s *Service) GetDelivery(ctx context.Context, id, date string) (*types.DeliveryRecord, error) {
	if _, err := time.Parse(types.OccurrenceLayout, date); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"date must be in YYYY-MM-DD format", err, map[string]any{"field": "date"})
	}
	return s.deliveries.Get(ctx, types.DeliveryKey(id, date))
}

// cancelOpen cancels the records an in-progress occurrence can be keyed
// under. The key date is the UTC date of the local delivery hour, which is
// today or yesterday in UTC for any occurrence still open at now.
func (s *Service) cancelOpen(ctx context.Context, userID string, now time.Time) error {
	utc := now.UTC()
	for _, day := range []time.Time{utc, utc.AddDate(0, 0, -1)} {
		key := types.DeliveryKey(userID, types.OccurrenceDate(day))
		err := s.deliveries.Cancel(ctx, key, now)
		switch {
		case err == nil:
			s.logger.Info("cancelled pending greeting", "user_id", userID, "delivery_key", key)
		case types.IsKind(err, types.KindNotFound):
		default:
			return fmt.Errorf("cancelling delivery %s: %w", key, err)
		}
	}
	return nil
}

func toPatch(in UpdateInput, now time.Time) (types.UserPatch, error) {
	var p types.UserPatch
	if in.FirstName != nil {
		v := strings.TrimSpace(*in.FirstName)
		p.FirstName = &v
	}
	if in.LastName != nil {
		v := strings.TrimSpace(*in.LastName)
		p.LastName = &v
	}
	if in.Birthday != nil {
		b, err := types.ParseBirthday(*in.Birthday, now)
		if err != nil {
			return p, err
		}
		p.Birthday = &b
	}
	if in.Location != nil {
		v := strings.TrimSpace(*in.Location)
		p.Location = &v
	}
	return p, nil
}
