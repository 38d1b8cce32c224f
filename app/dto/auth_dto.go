// Package dto contains Data Transfer Objects for API request and response structures
package dto

// RefreshTokenRequest exchanges a staff refresh token for a new pair
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// TokenPairResponse carries a staff token pair
type TokenPairResponse struct {
	AccessToken  string `json:"access_token" example:"jwt"`
	RefreshToken string `json:"refresh_token" example:"jwt"`
	TokenType    string `json:"token_type" example:"Bearer"`
	ExpiresIn    int    `json:"expires_in" example:"3600"`
}
