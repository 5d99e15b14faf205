// AngelaMos | 2026
// dto.go

package user

type UpdateProfileRequest struct {
	Name             *string                   `json:"name,omitempty"              validate:"omitempty,min=1,max=100"`
	ProfileCompleted *bool                     `json:"profileCompleted,omitempty"`
	Investor         *InvestorProfileRequest   `json:"investorProfile,omitempty"`
	Originator       *OriginatorProfileRequest `json:"originatorProfile,omitempty"`
}

type InvestorProfileRequest struct {
	RiskTolerance        *string  `json:"riskTolerance,omitempty"        validate:"omitempty,oneof=low medium high"`
	InvestmentExperience *string  `json:"investmentExperience,omitempty" validate:"omitempty,oneof=beginner intermediate advanced expert"`
	PreferredAssetTypes  []string `json:"preferredAssetTypes,omitempty"  validate:"omitempty,max=10,dive,min=1,max=50"`
}

type OriginatorProfileRequest struct {
	CompanyName *string `json:"companyName,omitempty" validate:"omitempty,max=200"`
	CompanySize *string `json:"companySize,omitempty" validate:"omitempty,oneof=startup small medium large enterprise"`
	Industry    *string `json:"industry,omitempty"    validate:"omitempty,max=100"`
}

type UserResponse struct {
	User *Record `json:"user"`
}

func ToUserResponse(rec *Record) UserResponse {
	return UserResponse{User: rec}
}
