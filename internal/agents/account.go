package agents

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

// AccountAgent provisions regulator-portal accounts. The portal password is
// taken from the request payload when supplied, generated otherwise, and is
// kept only in the vault; the result carries the credential ID, never the
// secret.
type AccountAgent struct {
	clock  clock.Clock
	logger *zap.Logger
}

func NewAccountAgent(clk clock.Clock, logger *zap.Logger) *AccountAgent {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountAgent{clock: clk, logger: logger}
}

func (a *AccountAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:           AccountAgentID,
		Type:         "account",
		Version:      builtinVersion,
		Stages:       []types.Stage{types.StageVerify},
		Dependencies: []string{ComplianceAgentID},
		Capabilities: types.Capabilities{
			EstimatedLatencyMs: latencyEstimate(2 * time.Second),
		},
		Retry: types.RetryPolicy{MaxRetries: 2},
	}
}

func (a *AccountAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	password := stringField(ec.Payload, "portal_password")
	generated := false
	if password == "" {
		var err error
		password, err = generatePassword(20)
		if err != nil {
			return nil, types.WrapE(types.KindTransient, "account.execute", err)
		}
		generated = true
	}

	scope := "portal:" + ec.EntityID
	expiry := a.clock.Now().AddDate(0, 3, 0)
	credentialID, err := ec.Credentials.Store(ctx, scope, types.CredentialPassword, []byte(password), &expiry)
	if err != nil {
		// The vault rejects weak passwords; surface its verdict untouched.
		return nil, err
	}

	a.logger.Info("portal account provisioned",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("scope", scope),
		zap.String("credential_id", credentialID),
		zap.Bool("generated", generated),
	)
	return okResult(AccountAgentID, 0.95, map[string]interface{}{
		"portal_scope":       scope,
		"credential_id":      credentialID,
		"password_generated": generated,
	}), nil
}

const (
	passwordLower   = "abcdefghijkmnopqrstuvwxyz"
	passwordUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	passwordDigits  = "23456789"
	passwordSymbols = "!@#$%^&*-_=+"
)

// generatePassword draws one character from each required class first, then
// fills the rest from the full alphabet.
func generatePassword(length int) (string, error) {
	classes := []string{passwordLower, passwordUpper, passwordDigits, passwordSymbols}
	full := passwordLower + passwordUpper + passwordDigits + passwordSymbols

	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := randByte(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randByte(full)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	return string(out), nil
}

func randByte(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}
