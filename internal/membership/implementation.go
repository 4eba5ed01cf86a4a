package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"librarydesk/pkg/eventstore"
)

const aggregateType = "member"

const memberColumns = `id, code, nis, name, member_type, COALESCE(email, '') AS email,
	COALESCE(class_name, '') AS class_name, is_active, version, created_at, updated_at`

// service implements the Service interface.
type service struct {
	eventStore  *eventstore.EventStore
	db          *sqlx.DB
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// NewService creates a new membership service instance.
func NewService(es *eventstore.EventStore, db *sqlx.DB, logger *zap.Logger) Service {
	return &service{
		eventStore:  es,
		db:          db,
		logger:      logger.Named("membership"),
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 30),
	}
}

// RegisterMember creates a new active member.
func (s *service) RegisterMember(ctx context.Context, req RegisterRequest) (*Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	req.NIS = strings.TrimSpace(req.NIS)
	req.Name = strings.TrimSpace(req.Name)
	if req.NIS == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: nis and name are required", ErrInvalidMember)
	}
	if req.MemberType == "" {
		req.MemberType = MemberTypeStudent
	}
	if req.MemberType != MemberTypeStudent && req.MemberType != MemberTypeTeacher {
		return nil, fmt.Errorf("%w: unknown member type %q", ErrInvalidMember, req.MemberType)
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = MemberCode(req.NIS)
	}

	now := time.Now().UTC()
	member := &Member{
		ID:         uuid.New(),
		Code:       code,
		NIS:        req.NIS,
		Name:       req.Name,
		MemberType: req.MemberType,
		Email:      strings.TrimSpace(req.Email),
		ClassName:  strings.TrimSpace(req.ClassName),
		IsActive:   true,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	event, err := eventstore.NewEvent("MemberRegistered", MemberRegisteredEvent{
		ID:   member.ID,
		Code: member.Code,
		Name: member.Name,
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (id, code, nis, name, member_type, email, class_name, is_active, version, created_at, updated_at)
		VALUES (:id, :code, :nis, :name, :member_type, NULLIF(:email, ''), NULLIF(:class_name, ''), :is_active, :version, :created_at, :updated_at)
	`, member)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, member.Code)
		}
		return nil, fmt.Errorf("failed to insert member: %w", err)
	}

	if err := s.eventStore.AppendEventsTx(ctx, tx.Tx, member.ID, aggregateType, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit member: %w", err)
	}

	s.logger.Info("member registered",
		zap.String("member_id", member.ID.String()),
		zap.String("code", member.Code),
	)
	return member, nil
}

// GetMember retrieves a member by their ID, active or not.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	member := &Member{}
	err := s.db.GetContext(ctx, member, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// GetActiveMemberByCode resolves a scanned member barcode. Inactive members
// are reported as not found.
func (s *service) GetActiveMemberByCode(ctx context.Context, code string) (*Member, error) {
	return FindActiveMemberByCode(ctx, s.db, code)
}

// FindActiveMemberByCode looks an active member up by barcode using any sqlx handle.
func FindActiveMemberByCode(ctx context.Context, q sqlx.QueryerContext, code string) (*Member, error) {
	member := &Member{}
	err := sqlx.GetContext(ctx, q, member,
		`SELECT `+memberColumns+` FROM members WHERE code = $1 AND is_active`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// DeactivateMember soft-deletes a member. Members holding open loans are refused.
// The member row is locked before open loans are counted, which serializes
// deactivation against a borrow that share-locks the same row.
func (s *service) DeactivateMember(ctx context.Context, id uuid.UUID) error {
	event, err := eventstore.NewEvent("MemberDeactivated", MemberDeactivatedEvent{ID: id})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	member := &Member{}
	err = tx.GetContext(ctx, member, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, id)
		}
		return fmt.Errorf("failed to lock member: %w", err)
	}
	if !member.IsActive {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}

	var open int
	err = tx.GetContext(ctx, &open,
		`SELECT COUNT(*) FROM loans WHERE member_id = $1 AND status <> 'returned'`, id)
	if err != nil {
		return fmt.Errorf("failed to count open loans: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("%w: %d open", ErrHasActiveLoans, open)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE members
		SET is_active = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, id, member.Version)
	if err != nil {
		return fmt.Errorf("failed to deactivate member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventstore.ErrConcurrencyConflict
	}

	if err := s.eventStore.AppendEventsTx(ctx, tx.Tx, id, aggregateType, member.Version, []eventstore.Event{event}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deactivation: %w", err)
	}

	s.logger.Info("member deactivated", zap.String("member_id", id.String()))
	return nil
}
