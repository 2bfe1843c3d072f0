package studios

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/pkg/apperr"
)

// Resolver looks up studios for session joins and ownership checks.
type Resolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Studio, error)
	GetByInviteCode(ctx context.Context, code string) (*models.Studio, error)
}

// Repository reads studios from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a studio repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectStudio = `SELECT id, name, owner_id, invite_code, created_at FROM studios`

// GetByID returns a studio by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Studio, error) {
	return r.scanOne(ctx, selectStudio+` WHERE id = $1`, id)
}

// GetByInviteCode returns the studio an invite code points to.
func (r *Repository) GetByInviteCode(ctx context.Context, code string) (*models.Studio, error) {
	return r.scanOne(ctx, selectStudio+` WHERE invite_code = $1`, code)
}

func (r *Repository) scanOne(ctx context.Context, q string, arg interface{}) (*models.Studio, error) {
	var s models.Studio
	err := r.pool.QueryRow(ctx, q, arg).Scan(&s.ID, &s.Name, &s.OwnerID, &s.InviteCode, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("studio")
		}
		return nil, err
	}
	return &s, nil
}

// Resolve finds a studio by id (when idOrInvite parses as a UUID) or by invite code.
func Resolve(ctx context.Context, r Resolver, studioID, inviteCode string) (*models.Studio, error) {
	if studioID != "" {
		id, err := uuid.Parse(studioID)
		if err != nil {
			return nil, apperr.NotFound("studio %q", studioID)
		}
		return r.GetByID(ctx, id)
	}
	if inviteCode != "" {
		return r.GetByInviteCode(ctx, inviteCode)
	}
	return nil, apperr.NotFound("studio")
}

// Static is an in-memory Resolver for tests and single-process development.
type Static struct {
	mu      sync.RWMutex
	studios map[uuid.UUID]*models.Studio
}

// NewStatic creates a resolver over the given studios.
func NewStatic(list ...*models.Studio) *Static {
	s := &Static{studios: make(map[uuid.UUID]*models.Studio)}
	for _, st := range list {
		s.Add(st)
	}
	return s
}

// Add registers a studio.
func (s *Static) Add(st *models.Studio) {
	s.mu.Lock()
	s.studios[st.ID] = st
	s.mu.Unlock()
}

// GetByID returns a studio by ID.
func (s *Static) GetByID(_ context.Context, id uuid.UUID) (*models.Studio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.studios[id]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, apperr.NotFound("studio")
}

// GetByInviteCode returns the studio an invite code points to.
func (s *Static) GetByInviteCode(_ context.Context, code string) (*models.Studio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.studios {
		if st.InviteCode == code {
			cp := *st
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("studio")
}
