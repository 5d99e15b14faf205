// AngelaMos | 2026
// service.go

package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/erisrwa/portal/internal/core"
)

var ErrRoleConflict = errors.New("a different role is already on file")

// Account is the externally authenticated identity a directory record is
// created for.
type Account struct {
	ID            string
	Email         string
	WalletAddress string
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Lookup finds the directory record for an account by id, then email, then
// wallet address. An id match always wins even when other records share the
// email or wallet. Returns core.ErrNotFound when nothing matches.
func (s *Service) Lookup(
	ctx context.Context,
	acct Account,
) (*Record, error) {
	ctx, span := core.StartSpan(ctx, "user.Lookup",
		attribute.Bool("has_email", acct.Email != ""),
		attribute.Bool("has_wallet", acct.WalletAddress != ""),
	)
	defer span.End()

	lookups := []struct {
		key string
		get func(context.Context, string) (*Record, error)
	}{
		{acct.ID, s.repo.GetByID},
		{acct.Email, s.repo.GetByEmail},
		{acct.WalletAddress, s.repo.GetByWalletAddress},
	}

	for _, l := range lookups {
		if l.key == "" {
			continue
		}

		rec, err := l.get(ctx, l.key)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			core.SetSpanError(span, err)
			return nil, err
		}
	}

	return nil, fmt.Errorf("lookup user: %w", core.ErrNotFound)
}

func (s *Service) GetByID(ctx context.Context, id string) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) RecordLastLogin(ctx context.Context, id string) error {
	return s.repo.RecordLastLogin(ctx, id)
}

// UpsertRole creates or completes the directory record for acct with role
// and its defaults. Calling it again with the same role leaves every field
// except updated_at unchanged.
func (s *Service) UpsertRole(
	ctx context.Context,
	acct Account,
	role Role,
) (*Record, error) {
	if !role.Valid() {
		return nil, fmt.Errorf(
			"upsert role: invalid role %q: %w",
			role,
			core.ErrInvalidInput,
		)
	}

	ctx, span := core.StartSpan(ctx, "user.UpsertRole",
		attribute.String("role", string(role)),
	)
	defer span.End()

	existing, err := s.Lookup(ctx, acct)
	switch {
	case errors.Is(err, core.ErrNotFound):
		rec, createErr := s.create(ctx, acct, role)
		if !errors.Is(createErr, core.ErrDuplicateKey) {
			core.SetSpanError(span, createErr)
			return rec, createErr
		}
		existing, err = s.repo.GetByID(ctx, acct.ID)
		if err != nil {
			core.SetSpanError(span, err)
			return nil, err
		}
	case err != nil:
		core.SetSpanError(span, err)
		return nil, err
	}

	rec, err := s.applyRole(ctx, existing, acct, role)
	core.SetSpanError(span, err)
	return rec, err
}

func (s *Service) create(
	ctx context.Context,
	acct Account,
	role Role,
) (*Record, error) {
	rec := &Record{
		ID:                 acct.ID,
		Email:              strings.ToLower(acct.Email),
		WalletAddress:      strings.ToLower(acct.WalletAddress),
		Name:               DisplayName(acct.Email, acct.WalletAddress),
		IsExternalIdentity: true,
	}
	withRoleDefaults(rec, role)

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *Service) applyRole(
	ctx context.Context,
	existing *Record,
	acct Account,
	role Role,
) (*Record, error) {
	if existing.Role == role {
		return s.repo.Update(ctx, existing.ID, Patch{})
	}

	if existing.HasRole() {
		return nil, fmt.Errorf(
			"upsert role %q over %q: %w",
			role,
			existing.Role,
			ErrRoleConflict,
		)
	}

	patch := rolePatch(role)
	if existing.Email == "" && acct.Email != "" {
		patch.Email = &acct.Email
	}
	if existing.WalletAddress == "" && acct.WalletAddress != "" {
		patch.WalletAddress = &acct.WalletAddress
	}

	return s.repo.Update(ctx, existing.ID, patch)
}

func withRoleDefaults(rec *Record, role Role) {
	rec.Role = role
	rec.ProfileCompleted = false

	switch role {
	case RoleInvestor:
		rec.KYCStatus = KYCPending
		rec.SubscriptionTier = TierFree
		rec.InvestorProfile = DefaultInvestorProfile()
	case RoleAssetOriginator:
		rec.OriginatorProfile = DefaultOriginatorProfile()
	}
}

func rolePatch(role Role) Patch {
	patch := Patch{Role: &role}

	switch role {
	case RoleInvestor:
		kyc, tier := KYCPending, TierFree
		patch.KYCStatus = &kyc
		patch.SubscriptionTier = &tier
		patch.InvestorProfile = DefaultInvestorProfile()
	case RoleAssetOriginator:
		patch.OriginatorProfile = DefaultOriginatorProfile()
	}

	return patch
}

func (s *Service) UpdateProfile(
	ctx context.Context,
	id string,
	req UpdateProfileRequest,
) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("update profile: %w", core.ErrUnauthorized)
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := Patch{
		Name:             req.Name,
		ProfileCompleted: req.ProfileCompleted,
	}

	if req.Investor != nil {
		if !current.IsInvestor() {
			return nil, fmt.Errorf(
				"update profile: investor fields on %s: %w",
				current.Role,
				core.ErrInvalidInput,
			)
		}
		patch.InvestorProfile = mergeInvestorProfile(current.InvestorProfile, req.Investor)
	}

	if req.Originator != nil {
		if !current.IsOriginator() {
			return nil, fmt.Errorf(
				"update profile: originator fields on %s: %w",
				current.Role,
				core.ErrInvalidInput,
			)
		}
		patch.OriginatorProfile = mergeOriginatorProfile(current.OriginatorProfile, req.Originator)
	}

	return s.repo.Update(ctx, id, patch)
}

// SetKYCStatus records a verification outcome. Only investors carry a KYC
// status.
func (s *Service) SetKYCStatus(
	ctx context.Context,
	id, status string,
) (*Record, error) {
	switch status {
	case KYCPending, KYCApproved, KYCRejected:
	default:
		return nil, fmt.Errorf(
			"set kyc status: invalid status %q: %w",
			status,
			core.ErrInvalidInput,
		)
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !current.IsInvestor() {
		return current, nil
	}

	return s.repo.Update(ctx, id, Patch{KYCStatus: &status})
}

func mergeInvestorProfile(
	current *InvestorProfile,
	req *InvestorProfileRequest,
) *InvestorProfile {
	out := DefaultInvestorProfile()
	if current != nil {
		*out = *current
	}

	if req.RiskTolerance != nil {
		out.RiskTolerance = *req.RiskTolerance
	}
	if req.InvestmentExperience != nil {
		out.InvestmentExperience = *req.InvestmentExperience
	}
	if req.PreferredAssetTypes != nil {
		out.PreferredAssetTypes = req.PreferredAssetTypes
	}

	return out
}

func mergeOriginatorProfile(
	current *OriginatorProfile,
	req *OriginatorProfileRequest,
) *OriginatorProfile {
	out := DefaultOriginatorProfile()
	if current != nil {
		*out = *current
	}

	if req.CompanyName != nil {
		out.CompanyName = *req.CompanyName
	}
	if req.CompanySize != nil {
		out.CompanySize = *req.CompanySize
	}
	if req.Industry != nil {
		out.Industry = *req.Industry
	}

	return out
}
