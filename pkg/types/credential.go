package types

import "time"

// CredentialKind classifies the sensitive material stored in the vault
type CredentialKind string

const (
	CredentialUsername   CredentialKind = "username"
	CredentialPassword   CredentialKind = "password"
	CredentialAPIKey     CredentialKind = "api-key"
	CredentialOAuthToken CredentialKind = "oauth-token"
	CredentialSecret     CredentialKind = "secret"
)

// CredentialMeta is the non-sensitive view of a stored credential. Plaintext
// is never part of this struct and never persisted anywhere.
type CredentialMeta struct {
	ID           string          `json:"id" db:"id"`
	Scope        string          `json:"scope" db:"scope"`
	Kind         CredentialKind  `json:"kind" db:"kind"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt   *time.Time      `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount   int64           `json:"usage_count" db:"usage_count"`
	OwningEntity string          `json:"owning_entity,omitempty" db:"owning_entity"`
	SupersededBy string          `json:"superseded_by,omitempty" db:"superseded_by"`
	KeyVersion   int             `json:"key_version" db:"key_version"`
	Strength     PasswordStrength `json:"strength,omitempty" db:"strength"`
}

// IsExpired reports whether the credential is past its expiry at the given time.
func (m *CredentialMeta) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// PasswordStrength is the label assigned by the vault password policy
type PasswordStrength string

const (
	StrengthWeak   PasswordStrength = "weak"
	StrengthFair   PasswordStrength = "fair"
	StrengthStrong PasswordStrength = "strong"
)
