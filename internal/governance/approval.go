package governance

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/otrix/occam-agents/pkg/types"
)

// ApprovalStore persists approval requests. The decision transition must be
// atomic; the memory store serializes it under one lock.
type ApprovalStore interface {
	Put(ctx context.Context, req *types.ApprovalRequest) error
	Get(ctx context.Context, id string) (*types.ApprovalRequest, error)
	Update(ctx context.Context, req *types.ApprovalRequest) error
	ListPending(ctx context.Context) ([]*types.ApprovalRequest, error)

	// GetByWorkflow returns the most recent request for a workflow.
	GetByWorkflow(ctx context.Context, workflowID string) (*types.ApprovalRequest, error)
}

// MemoryApprovalStore is the in-memory approval store.
type MemoryApprovalStore struct {
	mu   sync.RWMutex
	reqs map[string]*types.ApprovalRequest
}

// NewMemoryApprovalStore creates an empty approval store
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{reqs: make(map[string]*types.ApprovalRequest)}
}

func (s *MemoryApprovalStore) Put(ctx context.Context, req *types.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "governance.approvals", "approval request %s not found", id)
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryApprovalStore) Update(ctx context.Context, req *types.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[req.ID]; !ok {
		return types.E(types.KindNotFound, "governance.approvals", "approval request %s not found", req.ID)
	}
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *MemoryApprovalStore) ListPending(ctx context.Context) ([]*types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ApprovalRequest
	for _, req := range s.reqs {
		if req.Status == types.ApprovalPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryApprovalStore) GetByWorkflow(ctx context.Context, workflowID string) (*types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *types.ApprovalRequest
	for _, req := range s.reqs {
		if req.WorkflowID != workflowID {
			continue
		}
		if latest == nil || req.RequestedAt.After(latest.RequestedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, types.E(types.KindNotFound, "governance.approvals", "no approval request for workflow %s", workflowID)
	}
	cp := *latest
	return &cp, nil
}

// GetApproval returns an approval request, applying expiry lazily: a pending
// request past its deadline is transitioned to expired before it is returned.
func (g *Governance) GetApproval(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	req, err := g.approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == types.ApprovalPending && req.IsExpired(g.clock.Now()) {
		if err := g.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ApprovalForWorkflow returns the latest approval request for a workflow,
// applying expiry lazily.
func (g *Governance) ApprovalForWorkflow(ctx context.Context, workflowID string) (*types.ApprovalRequest, error) {
	req, err := g.approvals.GetByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if req.Status == types.ApprovalPending && req.IsExpired(g.clock.Now()) {
		if err := g.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ProcessApproval applies a decider's verdict. Exactly one terminal
// transition is allowed; expired requests can never be approved.
func (g *Governance) ProcessApproval(ctx context.Context, decision *types.ApprovalDecision) (*types.ApprovalRequest, error) {
	if decision.Decider == "" {
		return nil, types.E(types.KindValidation, "governance.approval", "decider is required")
	}

	req, err := g.approvals.Get(ctx, decision.RequestID)
	if err != nil {
		return nil, err
	}

	now := g.clock.Now()
	if req.Status == types.ApprovalPending && req.IsExpired(now) {
		if err := g.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	if req.Status.IsTerminal() {
		if req.Status == types.ApprovalExpired {
			return nil, types.E(types.KindExpired, "governance.approval", "approval request %s expired at %s", req.ID, req.ExpiresAt.Format(time.RFC3339))
		}
		return nil, types.E(types.KindPolicyViolation, "governance.approval", "approval request %s already %s", req.ID, req.Status)
	}

	if decision.Token != "" {
		if err := g.verifyDecisionToken(decision.Token, req.ID, decision.Decider); err != nil {
			return nil, err
		}
	}

	if decision.Approve {
		req.Status = types.ApprovalApproved
	} else {
		req.Status = types.ApprovalDenied
	}
	req.Decider = decision.Decider
	req.DecidedAt = &now
	req.Reason = decision.Reason

	if err := g.approvals.Update(ctx, req); err != nil {
		return nil, types.WrapE(types.KindIntegrity, "governance.approval", err)
	}

	ev := types.NewAuditEvent(decision.Decider, "approval.decided").
		WithWorkflow(req.WorkflowID).
		WithPayload("approval_request_id", req.ID).
		WithPayload("decision", string(req.Status)).
		WithPayload("reason", decision.Reason).
		Build()
	if _, err := g.audit.Log(ctx, ev); err != nil {
		return nil, err
	}

	return req, nil
}

// ExpireStaleApprovals sweeps pending requests past their deadline. The
// status engine calls this on its tick.
func (g *Governance) ExpireStaleApprovals(ctx context.Context) (int, error) {
	pending, err := g.approvals.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	now := g.clock.Now()
	expired := 0
	for _, req := range pending {
		if req.IsExpired(now) {
			if err := g.expire(ctx, req); err != nil {
				return expired, err
			}
			expired++
		}
	}
	return expired, nil
}

func (g *Governance) expire(ctx context.Context, req *types.ApprovalRequest) error {
	req.Status = types.ApprovalExpired
	if err := g.approvals.Update(ctx, req); err != nil {
		return types.WrapE(types.KindIntegrity, "governance.approval", err)
	}

	ev := types.NewAuditEvent("governance", "approval.expired").
		WithWorkflow(req.WorkflowID).
		WithSeverity(types.SeverityWarning).
		WithPayload("approval_request_id", req.ID).
		WithPayload("expired_at", req.ExpiresAt).
		Build()
	_, err := g.audit.Log(ctx, ev)
	return err
}

// DecisionToken mints a signed token binding a decider to one approval
// request. Tokens expire with the request.
func (g *Governance) DecisionToken(ctx context.Context, requestID, decider string) (string, error) {
	if len(g.cfg.DecisionTokenSecret) == 0 {
		return "", types.E(types.KindValidation, "governance.token", "decision token secret is not configured")
	}

	req, err := g.approvals.Get(ctx, requestID)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		ID:        req.ID,
		Subject:   decider,
		IssuedAt:  jwt.NewNumericDate(g.clock.Now()),
		ExpiresAt: jwt.NewNumericDate(req.ExpiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.cfg.DecisionTokenSecret)
	if err != nil {
		return "", types.WrapE(types.KindIntegrity, "governance.token", err)
	}
	return signed, nil
}

func (g *Governance) verifyDecisionToken(tokenString, requestID, decider string) error {
	if len(g.cfg.DecisionTokenSecret) == 0 {
		return types.E(types.KindUnauthorized, "governance.token", "decision token supplied but no secret is configured")
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.E(types.KindUnauthorized, "governance.token", "unexpected signing method %v", t.Header["alg"])
		}
		return g.cfg.DecisionTokenSecret, nil
	}, jwt.WithTimeFunc(g.clock.Now))
	if err != nil || !token.Valid {
		return types.E(types.KindUnauthorized, "governance.token", "invalid decision token")
	}
	if claims.ID != requestID || claims.Subject != decider {
		return types.E(types.KindUnauthorized, "governance.token", "decision token does not match request and decider")
	}
	return nil
}
