package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrMemberNotFound  = errors.New("member not found or inactive")
	ErrDuplicateMember = errors.New("member code or NIS already registered")
	ErrInvalidMember   = errors.New("invalid member")
	ErrHasActiveLoans  = errors.New("member still has active loans")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, req RegisterRequest) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetActiveMemberByCode(ctx context.Context, code string) (*Member, error)
	DeactivateMember(ctx context.Context, id uuid.UUID) error
}
