package vault

import (
	"regexp"
	"strings"

	"github.com/otrix/occam-agents/pkg/types"
)

// Password policy defaults for stored login passwords.
const (
	DefaultMinPasswordLength = 12

	// Rotation policy for password credentials.
	DefaultRotationDays = 90
	RotationWarningDays = 7
	MaxRotationDays     = 180
)

var (
	upperRegex   = regexp.MustCompile(`[A-Z]`)
	lowerRegex   = regexp.MustCompile(`[a-z]`)
	digitRegex   = regexp.MustCompile(`[0-9]`)
	specialRegex = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)
)

// commonPasswords is the reject list applied when RejectCommon is enabled.
// Matching is case-insensitive.
var commonPasswords = map[string]struct{}{
	"password":         {},
	"password1":        {},
	"password123":      {},
	"password1234":     {},
	"passw0rd":         {},
	"123456":           {},
	"1234567890":       {},
	"12345678":         {},
	"qwerty":           {},
	"qwerty123":        {},
	"qwertyuiop":       {},
	"letmein":          {},
	"welcome":          {},
	"welcome1":         {},
	"admin":            {},
	"administrator":    {},
	"iloveyou":         {},
	"monkey":           {},
	"dragon":           {},
	"sunshine":         {},
	"princess":         {},
	"football":         {},
	"baseball":         {},
	"trustno1":         {},
	"abc123":           {},
	"111111":           {},
	"123123":           {},
	"654321":           {},
	"superman":         {},
	"master":           {},
	"shadow":           {},
	"changeme":         {},
	"secret":           {},
	"default":          {},
	"compliance123":    {},
}

// PasswordPolicy is applied when a stored secret is a login password.
type PasswordPolicy struct {
	MinLength      int  `yaml:"min_length"`
	RequireUpper   bool `yaml:"require_upper"`
	RequireLower   bool `yaml:"require_lower"`
	RequireDigit   bool `yaml:"require_digit"`
	RequireSpecial bool `yaml:"require_special"`
	RejectCommon   bool `yaml:"reject_common"`
}

// DefaultPasswordPolicy returns the compliance default: 12 characters,
// all four classes, common-password list enabled.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      DefaultMinPasswordLength,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		RejectCommon:   true,
	}
}

// Validate checks a password against the policy. Failures are validation
// errors carrying the weak_password message; the password itself is never
// included in the error.
func (p PasswordPolicy) Validate(password string) error {
	var reasons []string

	if len(password) < p.MinLength {
		reasons = append(reasons, "too short")
	}
	if p.RequireUpper && !upperRegex.MatchString(password) {
		reasons = append(reasons, "missing uppercase letter")
	}
	if p.RequireLower && !lowerRegex.MatchString(password) {
		reasons = append(reasons, "missing lowercase letter")
	}
	if p.RequireDigit && !digitRegex.MatchString(password) {
		reasons = append(reasons, "missing digit")
	}
	if p.RequireSpecial && !specialRegex.MatchString(password) {
		reasons = append(reasons, "missing special character")
	}
	if p.RejectCommon {
		if _, found := commonPasswords[strings.ToLower(password)]; found {
			reasons = append(reasons, "common password")
		}
	}

	if len(reasons) > 0 {
		return types.E(types.KindValidation, "vault.password",
			"weak_password: %s", strings.Join(reasons, ", "))
	}
	return nil
}

// Strength assigns a label to a password that already passed validation.
func (p PasswordPolicy) Strength(password string) types.PasswordStrength {
	if p.Validate(password) != nil {
		return types.StrengthWeak
	}

	classes := 0
	for _, re := range []*regexp.Regexp{upperRegex, lowerRegex, digitRegex, specialRegex} {
		if re.MatchString(password) {
			classes++
		}
	}

	if len(password) >= 16 && classes == 4 {
		return types.StrengthStrong
	}
	return types.StrengthFair
}
