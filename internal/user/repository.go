// AngelaMos | 2026
// repository.go

package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/erisrwa/portal/internal/core"
)

// Repository is the user directory store. Lookups return core.ErrNotFound
// when no row matches; every other failure is a *DirectoryError.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Record, error)
	GetByEmail(ctx context.Context, email string) (*Record, error)
	GetByWalletAddress(ctx context.Context, address string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
	RecordLastLogin(ctx context.Context, id string) error
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name              *string
	Email             *string
	WalletAddress     *string
	Role              *Role
	KYCStatus         *string
	ProfileCompleted  *bool
	SubscriptionTier  *string
	InvestorProfile   *InvestorProfile
	OriginatorProfile *OriginatorProfile
}

func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Email == nil && p.WalletAddress == nil &&
		p.Role == nil && p.KYCStatus == nil && p.ProfileCompleted == nil &&
		p.SubscriptionTier == nil && p.InvestorProfile == nil &&
		p.OriginatorProfile == nil
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

const selectColumns = `
		SELECT id, email, wallet_address, name, role, kyc_status,
		       profile_completed, subscription_tier, is_external_identity,
		       investor_profile, originator_profile,
		       created_at, updated_at, last_login_at
		FROM users`

func (r *repository) GetByID(ctx context.Context, id string) (*Record, error) {
	return r.getOne(ctx, "get user", selectColumns+`
		WHERE id = $1`, id)
}

func (r *repository) GetByEmail(
	ctx context.Context,
	email string,
) (*Record, error) {
	return r.getOne(ctx, "get user by email", selectColumns+`
		WHERE email = $1
		ORDER BY created_at ASC
		LIMIT 1`, strings.ToLower(email))
}

func (r *repository) GetByWalletAddress(
	ctx context.Context,
	address string,
) (*Record, error) {
	return r.getOne(ctx, "get user by wallet", selectColumns+`
		WHERE wallet_address = $1
		ORDER BY created_at ASC
		LIMIT 1`, strings.ToLower(address))
}

func (r *repository) getOne(
	ctx context.Context,
	op, query string,
	arg string,
) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if err != nil {
		return nil, newDirectoryError(op, err)
	}

	return &rec, nil
}

func (r *repository) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO users (
			id, email, wallet_address, name, role, kyc_status,
			profile_completed, subscription_tier, is_external_identity,
			investor_profile, originator_profile
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at`

	row := struct {
		CreatedAt sql.NullTime `db:"created_at"`
		UpdatedAt sql.NullTime `db:"updated_at"`
	}{}

	err := r.db.GetContext(ctx, &row, query,
		rec.ID,
		strings.ToLower(rec.Email),
		strings.ToLower(rec.WalletAddress),
		rec.Name,
		string(rec.Role),
		rec.KYCStatus,
		rec.ProfileCompleted,
		rec.SubscriptionTier,
		rec.IsExternalIdentity,
		rec.InvestorProfile,
		rec.OriginatorProfile,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("create user: %w", core.ErrDuplicateKey)
		}
		return newDirectoryError("create user", err)
	}

	rec.CreatedAt = row.CreatedAt.Time
	rec.UpdatedAt = row.UpdatedAt.Time

	return nil
}

func (r *repository) Update(
	ctx context.Context,
	id string,
	patch Patch,
) (*Record, error) {
	var sets []string
	var args []any
	argIdx := 1

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Email != nil {
		add("email", strings.ToLower(*patch.Email))
	}
	if patch.WalletAddress != nil {
		add("wallet_address", strings.ToLower(*patch.WalletAddress))
	}
	if patch.Role != nil {
		add("role", string(*patch.Role))
	}
	if patch.KYCStatus != nil {
		add("kyc_status", *patch.KYCStatus)
	}
	if patch.ProfileCompleted != nil {
		add("profile_completed", *patch.ProfileCompleted)
	}
	if patch.SubscriptionTier != nil {
		add("subscription_tier", *patch.SubscriptionTier)
	}
	if patch.InvestorProfile != nil {
		add("investor_profile", patch.InvestorProfile)
	}
	if patch.OriginatorProfile != nil {
		add("originator_profile", patch.OriginatorProfile)
	}

	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE users
		SET %s
		WHERE id = $%d
		RETURNING id, email, wallet_address, name, role, kyc_status,
		          profile_completed, subscription_tier, is_external_identity,
		          investor_profile, originator_profile,
		          created_at, updated_at, last_login_at`,
		strings.Join(sets, ", "), argIdx)

	var rec Record
	err := r.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update user: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, newDirectoryError("update user", err)
	}

	return &rec, nil
}

func (r *repository) RecordLastLogin(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return newDirectoryError("record last login", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return newDirectoryError("record last login", err)
	}

	if rows == 0 {
		return fmt.Errorf("record last login: %w", core.ErrNotFound)
	}

	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
