package models

import "time"

// TokenBundle is the secret material for one account. It is owned by the
// credential store and replaced atomically on refresh; fields the refresh
// response does not return (client id, project id) are carried over.
type TokenBundle struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	ClientID     string            `json:"clientId,omitempty"`
	ProjectID    string            `json:"projectId,omitempty"`
	AccountUUID  string            `json:"accountUuid,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CredentialKey derives the credential store key for an account.
func CredentialKey(accountID string) string {
	return "llm-token-" + accountID
}
