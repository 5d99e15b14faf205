// AngelaMos | 2026
// entity.go

package user

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleInvestor        Role = "investor"
	RoleAssetOriginator Role = "asset-originator"
)

func (r Role) Valid() bool {
	return r == RoleInvestor || r == RoleAssetOriginator
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(RoleInvestor):
		return RoleInvestor, nil
	case string(RoleAssetOriginator), "originator", "rwa-project":
		return RoleAssetOriginator, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

const (
	KYCPending  = "pending"
	KYCApproved = "approved"
	KYCRejected = "rejected"
)

const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Record is a user directory entry. A record without a Role is incomplete
// and must go through role selection before any role-gated view.
type Record struct {
	ID                 string             `db:"id"                   json:"id"`
	Email              string             `db:"email"                json:"email,omitempty"`
	WalletAddress      string             `db:"wallet_address"       json:"walletAddress,omitempty"`
	Name               string             `db:"name"                 json:"name"`
	Role               Role               `db:"role"                 json:"role,omitempty"`
	KYCStatus          string             `db:"kyc_status"           json:"kycStatus,omitempty"`
	ProfileCompleted   bool               `db:"profile_completed"    json:"profileCompleted"`
	SubscriptionTier   string             `db:"subscription_tier"    json:"subscriptionTier,omitempty"`
	IsExternalIdentity bool               `db:"is_external_identity" json:"isExternalIdentity"`
	InvestorProfile    *InvestorProfile   `db:"investor_profile"     json:"investorProfile,omitempty"`
	OriginatorProfile  *OriginatorProfile `db:"originator_profile"   json:"originatorProfile,omitempty"`
	CreatedAt          time.Time          `db:"created_at"           json:"createdAt"`
	UpdatedAt          time.Time          `db:"updated_at"           json:"updatedAt"`
	LastLoginAt        *time.Time         `db:"last_login_at"        json:"lastLoginAt,omitempty"`
}

func (r *Record) HasRole() bool {
	return r != nil && r.Role.Valid()
}

func (r *Record) IsInvestor() bool {
	return r.Role == RoleInvestor
}

func (r *Record) IsOriginator() bool {
	return r.Role == RoleAssetOriginator
}

// Clone returns a deep copy so cached and directory copies never share
// profile pointers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	if r.InvestorProfile != nil {
		ip := *r.InvestorProfile
		ip.PreferredAssetTypes = append([]string{}, r.InvestorProfile.PreferredAssetTypes...)
		c.InvestorProfile = &ip
	}
	if r.OriginatorProfile != nil {
		op := *r.OriginatorProfile
		c.OriginatorProfile = &op
	}
	if r.LastLoginAt != nil {
		t := *r.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

type InvestorProfile struct {
	RiskTolerance        string   `json:"riskTolerance,omitempty"`
	InvestmentExperience string   `json:"investmentExperience,omitempty"`
	PreferredAssetTypes  []string `json:"preferredAssetTypes"`
	TotalInvested        float64  `json:"totalInvested"`
}

func DefaultInvestorProfile() *InvestorProfile {
	return &InvestorProfile{
		RiskTolerance:        "medium",
		InvestmentExperience: "beginner",
		PreferredAssetTypes:  []string{},
		TotalInvested:        0,
	}
}

func (p InvestorProfile) Value() (driver.Value, error) {
	return marshalJSON(p)
}

func (p *InvestorProfile) Scan(src any) error {
	return scanJSON(src, p)
}

type OriginatorProfile struct {
	CompanyName         string  `json:"companyName"`
	CompanySize         string  `json:"companySize,omitempty"`
	Industry            string  `json:"industry"`
	TotalProjectsListed int     `json:"totalProjectsListed"`
	TotalFundsRaised    float64 `json:"totalFundsRaised"`
}

func DefaultOriginatorProfile() *OriginatorProfile {
	return &OriginatorProfile{
		CompanyName:         "",
		CompanySize:         "startup",
		Industry:            "",
		TotalProjectsListed: 0,
		TotalFundsRaised:    0,
	}
}

func (p OriginatorProfile) Value() (driver.Value, error) {
	return marshalJSON(p)
}

func (p *OriginatorProfile) Scan(src any) error {
	return scanJSON(src, p)
}

func marshalJSON(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return errors.New("unsupported json column type")
	}
}

// DisplayName derives a name the way the portal shows anonymous wallet
// users: email local-part first, then a shortened wallet address.
func DisplayName(email, walletAddress string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	if walletAddress != "" {
		if len(walletAddress) > 8 {
			return walletAddress[:8]
		}
		return walletAddress
	}
	return "Wallet User"
}
