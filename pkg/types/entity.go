package types

import (
	"fmt"
	"time"
)

// KYCStatus represents an entity's know-your-customer verification state
type KYCStatus string

const (
	KYCUnverified KYCStatus = "unverified"
	KYCVerified   KYCStatus = "verified"
	KYCRejected   KYCStatus = "rejected"
)

// Registration records a single regulatory registration held by an entity
type Registration struct {
	Type          string     `json:"type"`
	Jurisdiction  string     `json:"jurisdiction"`
	Status        string     `json:"status"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// Entity is an identity record owned by the FactBox. Immutable except via
// explicit update events through FactBox.SaveEntity.
type Entity struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Type          string         `json:"type" db:"type"`
	Jurisdiction  string         `json:"jurisdiction" db:"jurisdiction"`
	ContactEmail  string         `json:"contact_email,omitempty" db:"contact_email"`
	KYCStatus     KYCStatus      `json:"kyc_status" db:"kyc_status"`
	Registrations []Registration `json:"registrations,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Validate checks required entity fields
func (e *Entity) Validate() error {
	if e.ID == "" {
		return E(KindValidation, "entity.validate", "entity ID is required")
	}
	if e.Name == "" {
		return E(KindValidation, "entity.validate", "entity name is required")
	}
	switch e.KYCStatus {
	case KYCUnverified, KYCVerified, KYCRejected:
	default:
		return E(KindValidation, "entity.validate", "invalid KYC status: %s", e.KYCStatus)
	}
	return nil
}

// LicenseStatus represents the lifecycle state of a license
type LicenseStatus string

const (
	LicensePending   LicenseStatus = "pending"
	LicenseActive    LicenseStatus = "active"
	LicenseExpired   LicenseStatus = "expired"
	LicenseSuspended LicenseStatus = "suspended"
)

// License is a regulatory license held by an entity.
type License struct {
	ID         string        `json:"id" db:"id"`
	EntityID   string        `json:"entity_id" db:"entity_id"`
	Name       string        `json:"name" db:"name"`
	Type       string        `json:"type" db:"type"`
	Number     string        `json:"number" db:"number"`
	Authority  string        `json:"authority" db:"authority"`
	Status     LicenseStatus `json:"status" db:"status"`
	IssueDate  time.Time     `json:"issue_date" db:"issue_date"`
	ExpiryDate time.Time     `json:"expiry_date" db:"expiry_date"`
}

// Validate checks license invariants, in particular expiry > issue.
func (l *License) Validate() error {
	if l.ID == "" {
		return E(KindValidation, "license.validate", "license ID is required")
	}
	if l.EntityID == "" {
		return E(KindValidation, "license.validate", "license entity ID is required")
	}
	if !l.ExpiryDate.After(l.IssueDate) {
		return E(KindValidation, "license.validate", "expiry date must be after issue date")
	}
	return nil
}

// CanTransitionTo reports whether the license status transition is legal:
// pending->active, active->expired|suspended.
func (l *License) CanTransitionTo(next LicenseStatus) bool {
	switch l.Status {
	case LicensePending:
		return next == LicenseActive
	case LicenseActive:
		return next == LicenseExpired || next == LicenseSuspended
	default:
		return false
	}
}

// DaysToExpiry returns whole days from now until the expiry date. Negative
// values mean the license is already past expiry.
func (l *License) DaysToExpiry(now time.Time) int {
	return int(l.ExpiryDate.Sub(now).Hours() / 24)
}

// IsCurrent reports whether the license is active and not past expiry.
func (l *License) IsCurrent(now time.Time) bool {
	return l.Status == LicenseActive && l.ExpiryDate.After(now)
}

// RegulatoryRule is a single rule applicable to a regulation in a
// jurisdiction. Applicability is a CEL expression over the variables
// entity, license, and now; an empty expression is always applicable.
type RegulatoryRule struct {
	ID            string     `json:"id"`
	Regulation    string     `json:"regulation"`
	Jurisdiction  string     `json:"jurisdiction"`
	Description   string     `json:"description"`
	Applicability string     `json:"applicability,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Order         int        `json:"order"`
}

// InEffect reports whether the rule's effective range covers the given time.
func (r *RegulatoryRule) InEffect(now time.Time) bool {
	if now.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && now.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// EntityStatus is a composed compliance snapshot for one entity.
type EntityStatus struct {
	Entity          *Entity    `json:"entity"`
	ActiveWorkflows int        `json:"active_workflows"`
	Licenses        []*License `json:"licenses"`
	ComplianceScore int        `json:"compliance_score"`
	GeneratedAt     time.Time  `json:"generated_at"`
}

func (s *EntityStatus) String() string {
	return fmt.Sprintf("EntityStatus[%s score=%d workflows=%d licenses=%d]",
		s.Entity.ID, s.ComplianceScore, s.ActiveWorkflows, len(s.Licenses))
}
