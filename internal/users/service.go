package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/fruitmarket/storeadmin/internal/roles"
	"github.com/fruitmarket/storeadmin/internal/shared"
)

// Update outcome messages, keyed for flash translation.
const (
	MessageAPIKeyViewToggled = "api_key_view_toggled"
	MessageEmailUpdated      = "email_updated"
	MessageAccountUpdated    = "account_updated"
)

const apiKeyBytes = 24

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, RepositoryPort) error) error
	Autocomplete(ctx context.Context, q SearchQuery) ([]User, error)
	Filter(ctx context.Context, q SearchQuery, limit, offset int) ([]User, int, error)
	Get(ctx context.Context, id int64) (*User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) error
	HasOrders(ctx context.Context, userID int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	SetAPIKey(ctx context.Context, id int64, key *string) error
}

// RoleResolver turns submitted role ids into roles, failing on the first
// unknown id.
type RoleResolver interface {
	ResolveIDs(ctx context.Context, raw []string) ([]roles.Role, error)
}

// SearchObserver records search outcomes.
type SearchObserver interface {
	ObserveSearch(mode string, elapsed time.Duration, results int, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveSearch(string, time.Duration, int, error) {}

// UpdateResult reports the stored user and which kind of change was made.
type UpdateResult struct {
	User    User
	Message string
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	roles    RoleResolver
	notifier *DiscountNotifier
	observer SearchObserver
	validate *validator.Validate
	logger   *slog.Logger
	flight   singleflight.Group
}

// NewService builds Service instance. observer may be nil.
func NewService(repo RepositoryPort, roles RoleResolver, notifier *DiscountNotifier, observer SearchObserver, logger *slog.Logger) *Service {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		roles:    roles,
		notifier: notifier,
		observer: observer,
		validate: newValidator(),
		logger:   logger,
	}
}

// Search runs q in autocomplete or general mode. It never writes.
func (s *Service) Search(ctx context.Context, q SearchQuery) (ResultPage, error) {
	start := time.Now()
	var (
		page ResultPage
		err  error
		mode = "general"
	)
	if q.Autocomplete {
		mode = "autocomplete"
		page, err = s.autocomplete(ctx, q)
	} else {
		page, err = s.filter(ctx, q)
	}
	s.observer.ObserveSearch(mode, time.Since(start), len(page.Users), err)
	return page, err
}

func (s *Service) autocomplete(ctx context.Context, q SearchQuery) (ResultPage, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultAutocompleteLimit
	}
	// Coalesced callers share this lookup, so one caller going away must not
	// cancel it for the rest.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(q.cacheKey(), func() (any, error) {
		return s.repo.Autocomplete(lookupCtx, q)
	})
	if err != nil {
		return ResultPage{}, fmt.Errorf("autocomplete users: %w", err)
	}
	found := v.([]User)
	users := make([]User, len(found))
	copy(users, found)
	return ResultPage{Users: users, Autocomplete: true}, nil
}

func (s *Service) filter(ctx context.Context, q SearchQuery) (ResultPage, error) {
	window := shared.NewPagination(q.Page, q.PerPage, 0)
	users, total, err := s.repo.Filter(ctx, q, window.Limit(), window.Offset())
	if err != nil {
		return ResultPage{}, fmt.Errorf("filter users: %w", err)
	}
	meta := shared.NewPagination(q.Page, q.PerPage, total)
	return ResultPage{Users: users, Pagination: &meta}, nil
}

// Get returns a single user.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.Get(ctx, id)
}

// Create validates the form, resolves roles and inserts the user.
func (s *Service) Create(ctx context.Context, form UserForm, roleIDs []string) (*User, error) {
	form.Normalize()
	if err := validateForm(s.validate, form); err != nil {
		return nil, err
	}
	resolved, err := s.resolveRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	var created *User
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo RepositoryPort) error {
		u := applyForm(User{}, form)
		if err := repo.Create(ctx, &u); err != nil {
			return err
		}
		if resolved != nil {
			if err := repo.ReplaceRoles(ctx, u.ID, resolved); err != nil {
				return err
			}
		}
		fresh, err := repo.Get(ctx, u.ID)
		if err != nil {
			return err
		}
		created = fresh
		return nil
	})
	if err != nil {
		return nil, mapWriteError(err)
	}
	s.logger.Info("user created", slog.Int64("user_id", created.ID))
	return created, nil
}

// Update validates the form and writes the user and its role set in one
// transaction. roleIDs nil leaves roles untouched; any other value replaces
// them after dropping blanks. Unknown roles abort before anything is written.
func (s *Service) Update(ctx context.Context, id int64, form UserForm, roleIDs []string) (UpdateResult, error) {
	form.Normalize()
	if err := validateForm(s.validate, form); err != nil {
		return UpdateResult{}, err
	}
	resolved, err := s.resolveRoles(ctx, roleIDs)
	if err != nil {
		return UpdateResult{}, err
	}
	var before, after User
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo RepositoryPort) error {
		current, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		before = *current
		next := applyForm(*current, form)
		if err := repo.Update(ctx, &next); err != nil {
			return err
		}
		if resolved != nil {
			if err := repo.ReplaceRoles(ctx, id, resolved); err != nil {
				return err
			}
		}
		fresh, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		after = *fresh
		return nil
	})
	if err != nil {
		return UpdateResult{}, mapWriteError(err)
	}
	s.notifier.Changed(ctx, before, after)
	return UpdateResult{User: after, Message: updateMessage(before, after)}, nil
}

// Delete removes a user unless they own orders.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, repo RepositoryPort) error {
		hasOrders, err := repo.HasOrders(ctx, id)
		if err != nil {
			return fmt.Errorf("check user orders: %w", err)
		}
		if hasOrders {
			return ErrHasOrders
		}
		return repo.Delete(ctx, id)
	})
}

// GenerateAPIKey issues a fresh random key for the user.
func (s *Service) GenerateAPIKey(ctx context.Context, id int64) (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := s.repo.SetAPIKey(ctx, id, &key); err != nil {
		return "", err
	}
	return key, nil
}

// ClearAPIKey removes the user's API key.
func (s *Service) ClearAPIKey(ctx context.Context, id int64) error {
	return s.repo.SetAPIKey(ctx, id, nil)
}

// resolveRoles returns nil when roleIDs is nil, meaning roles were not
// submitted.
func (s *Service) resolveRoles(ctx context.Context, roleIDs []string) ([]int64, error) {
	if roleIDs == nil {
		return nil, nil
	}
	resolved, err := s.roles.ResolveIDs(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	return roles.IDs(resolved), nil
}

func mapWriteError(err error) error {
	if errors.Is(err, ErrEmailTaken) {
		return &ValidationError{Fields: map[string]string{"email": "has already been taken"}}
	}
	return err
}

func applyForm(u User, form UserForm) User {
	u.Email = form.Email
	if form.Discount != nil {
		u.Discount = *form.Discount
	}
	if form.EnterpriseLimit != nil {
		u.EnterpriseLimit = *form.EnterpriseLimit
	}
	u.ShowAPIKeyView = form.ShowAPIKeyView
	if form.BillAddress != nil {
		u.BillAddress = form.BillAddress.apply(u.BillAddress)
	}
	if form.ShipAddress != nil {
		u.ShipAddress = form.ShipAddress.apply(u.ShipAddress)
	}
	return u
}

func updateMessage(before, after User) string {
	switch {
	case before.ShowAPIKeyView != after.ShowAPIKeyView:
		return MessageAPIKeyViewToggled
	case before.Email != after.Email:
		return MessageEmailUpdated
	default:
		return MessageAccountUpdated
	}
}
