package roles

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (Role, error)
	ListDistinct(ctx context.Context) ([]Role, error)
}

// Service handles role business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListRoles returns the roles offered on the user form.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListDistinct(ctx)
}

// ResolveIDs turns submitted role ids into roles. Blank entries are dropped and
// repeated ids collapse. The first id that is malformed or unknown aborts the
// whole batch with ErrNotFound, so callers never act on a partial list.
func (s *Service) ResolveIDs(ctx context.Context, raw []string) ([]Role, error) {
	seen := make(map[int64]struct{}, len(raw))
	resolved := make([]Role, 0, len(raw))
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: id %q", ErrNotFound, value)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		role, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve role %d: %w", id, err)
		}
		seen[id] = struct{}{}
		resolved = append(resolved, role)
	}
	return resolved, nil
}
