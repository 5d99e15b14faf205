// AngelaMos | 2026
// fallback.go

package session

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/ksuid"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/user"
)

const (
	DemoInvestorID   = "demo-investor-1"
	DemoOriginatorID = "demo-originator-1"
)

// DemoUser returns the fixed demo account for role. The same role always
// yields an identical record.
func DemoUser(role user.Role) (*user.Record, error) {
	switch role {
	case user.RoleInvestor:
		return &user.Record{
			ID:               DemoInvestorID,
			Email:            "investor@demo.com",
			Name:             "Michael Harrison",
			Role:             user.RoleInvestor,
			KYCStatus:        user.KYCApproved,
			ProfileCompleted: true,
			SubscriptionTier: user.TierPremium,
		}, nil
	case user.RoleAssetOriginator:
		return &user.Record{
			ID:               DemoOriginatorID,
			Email:            "originator@demo.com",
			Name:             "Sarah Chen",
			Role:             user.RoleAssetOriginator,
			KYCStatus:        user.KYCApproved,
			ProfileCompleted: true,
			SubscriptionTier: user.TierPremium,
		}, nil
	default:
		return nil, &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
}

type ManualCredentials struct {
	Email           string `json:"email"           validate:"required,email,max=255"`
	Password        string `json:"password"        validate:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	Role            string `json:"role"            validate:"required"`
}

// ValidationError rejects manual login input before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return core.ErrInvalidInput
}

var credentialsValidator = validator.New(validator.WithRequiredStructEnabled())

// ManualUser synthesises a local account. It never touches the network.
func ManualUser(creds ManualCredentials) (*user.Record, error) {
	creds.Email = strings.TrimSpace(creds.Email)

	if err := credentialsValidator.Struct(creds); err != nil {
		return nil, &ValidationError{Message: core.FormatValidationError(err)}
	}

	role, err := user.ParseRole(creds.Role)
	if err != nil {
		return nil, &ValidationError{Field: "role", Message: err.Error()}
	}

	rec := &user.Record{
		ID:               fmt.Sprintf("new-%s-%s", role, ksuid.New().String()),
		Email:            strings.ToLower(creds.Email),
		Name:             user.DisplayName(creds.Email, ""),
		Role:             role,
		ProfileCompleted: false,
	}

	switch role {
	case user.RoleInvestor:
		rec.KYCStatus = user.KYCPending
		rec.SubscriptionTier = user.TierFree
		rec.InvestorProfile = user.DefaultInvestorProfile()
	case user.RoleAssetOriginator:
		rec.OriginatorProfile = user.DefaultOriginatorProfile()
	}

	return rec, nil
}
