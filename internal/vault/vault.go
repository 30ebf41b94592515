// Package vault encrypts, stores, rotates, and expires sensitive material.
//
// Plaintext is never persisted and never placed in audit payloads or error
// messages. Encryption is AES-256-GCM with a per-record random nonce; data
// keys are derived from the 32-byte master key per key version.
package vault

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

// Vault is the authenticated-encryption credential store.
//
// Operations on independent credential IDs are concurrency-safe; operations
// on the same ID are serialized by a per-credential lock. Master-key
// rotation holds the exclusive lock: no reads or writes proceed while it runs.
type Vault struct {
	store  Store
	audit  *audit.Log
	clock  clock.Clock
	logger *zap.Logger
	policy PasswordPolicy

	// rotationMu is held shared by every credential operation and
	// exclusively by RotateMasterKey.
	rotationMu sync.RWMutex

	box        *cipherBox
	keyVersion int

	credsMu sync.Mutex
	creds   map[string]*sync.Mutex
}

// New creates a vault. The master key must be 32 bytes; its absence or a
// wrong size is a startup error.
func New(masterKey []byte, store Store, auditLog *audit.Log, clk clock.Clock, policy PasswordPolicy, logger *zap.Logger) (*Vault, error) {
	box, err := newCipherBox(masterKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		store:      store,
		audit:      auditLog,
		clock:      clk,
		logger:     logger,
		policy:     policy,
		box:        box,
		keyVersion: 1,
		creds:      make(map[string]*sync.Mutex),
	}, nil
}

// Store encrypts and persists sensitive material, returning the credential ID.
// Password credentials are checked against the password policy first; a
// rejected password stores nothing and leaves a warning audit event.
// The plaintext buffer is zeroised once encryption completes.
func (v *Vault) Store(ctx context.Context, scope string, kind types.CredentialKind, plaintext []byte, expiresAt *time.Time) (string, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	var strength types.PasswordStrength
	if kind == types.CredentialPassword {
		if err := v.policy.Validate(string(plaintext)); err != nil {
			if aerr := v.auditEvent(ctx, "credential.rejected", "", scope, kind, types.SeverityWarning, types.EventWarning, err); aerr != nil {
				return "", aerr
			}
			return "", err
		}
		strength = v.policy.Strength(string(plaintext))
	}

	now := v.clock.Now()
	env, err := v.box.Seal(plaintext, v.keyVersion, now)
	zeroBytes(plaintext)
	if err != nil {
		return "", types.WrapE(types.KindIntegrity, "vault.store", err)
	}

	rec := &Record{
		Meta: types.CredentialMeta{
			ID:         "cred-" + uuid.NewString(),
			Scope:      scope,
			Kind:       kind,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
			KeyVersion: v.keyVersion,
			Strength:   strength,
		},
		Envelope: *env,
	}

	if err := v.store.Put(ctx, rec); err != nil {
		return "", types.WrapE(types.KindIntegrity, "vault.store", err)
	}

	if err := v.auditEvent(ctx, "credential.stored", rec.Meta.ID, scope, kind, types.SeverityInfo, types.EventSuccess, nil); err != nil {
		return "", err
	}
	return rec.Meta.ID, nil
}

// Get decrypts a credential. Expired credentials return a typed expired
// failure, not data; they remain fetchable only through GetForRotation.
// Each successful fetch updates last-used-at and usage-count.
func (v *Vault) Get(ctx context.Context, id string) ([]byte, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	mu := v.credLock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	if rec.Meta.IsExpired(now) {
		return nil, types.E(types.KindExpired, "vault.get", "credential %s has expired", id)
	}
	if rec.Meta.SupersededBy != "" {
		return nil, types.E(types.KindExpired, "vault.get", "credential %s superseded by %s", id, rec.Meta.SupersededBy)
	}

	plaintext, err := v.box.Open(&rec.Envelope)
	if err != nil {
		return nil, err
	}

	rec.Meta.LastUsedAt = &now
	rec.Meta.UsageCount++
	if err := v.store.Update(ctx, rec); err != nil {
		zeroBytes(plaintext)
		return nil, types.WrapE(types.KindIntegrity, "vault.get", err)
	}

	return plaintext, nil
}

// GetForRotation decrypts a credential regardless of expiry. Only the
// rotation path may use it.
func (v *Vault) GetForRotation(ctx context.Context, id string) ([]byte, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()
	return v.openRecord(ctx, id)
}

// Meta returns the non-sensitive view of a credential.
func (v *Vault) Meta(ctx context.Context, id string) (*types.CredentialMeta, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	rec, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	meta := rec.Meta
	return &meta, nil
}

// Rotate re-encrypts a credential under a fresh record. The old record is
// marked superseded and retained for the audit horizon; the new ID is
// returned and the old ID continues to resolve to its metadata.
func (v *Vault) Rotate(ctx context.Context, id string) (string, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	mu := v.credLock(id)
	mu.Lock()
	defer mu.Unlock()

	old, err := v.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	plaintext, err := v.box.Open(&old.Envelope)
	if err != nil {
		return "", err
	}
	defer zeroBytes(plaintext)

	now := v.clock.Now()
	env, err := v.box.Seal(plaintext, v.keyVersion, now)
	if err != nil {
		return "", types.WrapE(types.KindIntegrity, "vault.rotate", err)
	}

	next := &Record{
		Meta: types.CredentialMeta{
			ID:           "cred-" + uuid.NewString(),
			Scope:        old.Meta.Scope,
			Kind:         old.Meta.Kind,
			CreatedAt:    now,
			ExpiresAt:    rotationExpiry(old.Meta, now),
			OwningEntity: old.Meta.OwningEntity,
			KeyVersion:   v.keyVersion,
			Strength:     old.Meta.Strength,
		},
		Envelope: *env,
	}

	// The new record and the superseded marker land together or not at all.
	old.Meta.SupersededBy = next.Meta.ID
	if err := v.store.Supersede(ctx, next, old); err != nil {
		return "", types.WrapE(types.KindIntegrity, "vault.rotate", err)
	}

	if err := v.auditEvent(ctx, "credential.rotated", next.Meta.ID, old.Meta.Scope, old.Meta.Kind, types.SeverityInfo, types.EventSuccess, nil); err != nil {
		return "", err
	}
	return next.Meta.ID, nil
}

// Delete removes a credential.
func (v *Vault) Delete(ctx context.Context, id string) error {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	mu := v.credLock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := v.store.Delete(ctx, id); err != nil {
		return err
	}
	return v.auditEvent(ctx, "credential.deleted", id, rec.Meta.Scope, rec.Meta.Kind, types.SeverityInfo, types.EventSuccess, nil)
}

// RotateMasterKey decrypts every stored ciphertext with the current key and
// re-encrypts under the new key at the next key version. The swap is
// all-or-nothing: any failure leaves the vault readable with the old key.
func (v *Vault) RotateMasterKey(ctx context.Context, newKey []byte) error {
	v.rotationMu.Lock()
	defer v.rotationMu.Unlock()

	newBox, err := newCipherBox(newKey)
	if err != nil {
		return err
	}

	recs, err := v.store.List(ctx)
	if err != nil {
		return types.WrapE(types.KindIntegrity, "vault.rotate_master", err)
	}

	nextVersion := v.keyVersion + 1
	now := v.clock.Now()
	reencrypted := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		plaintext, err := v.box.Open(&rec.Envelope)
		if err != nil {
			return types.WrapE(types.KindIntegrity, "vault.rotate_master", err)
		}
		env, err := newBox.Seal(plaintext, nextVersion, now)
		zeroBytes(plaintext)
		if err != nil {
			return types.WrapE(types.KindIntegrity, "vault.rotate_master", err)
		}
		cp := *rec
		cp.Meta.KeyVersion = nextVersion
		cp.Envelope = *env
		reencrypted = append(reencrypted, &cp)
	}

	if err := v.store.ReplaceAll(ctx, reencrypted); err != nil {
		return types.WrapE(types.KindIntegrity, "vault.rotate_master", err)
	}

	zeroBytes(v.box.master)
	v.box = newBox
	v.keyVersion = nextVersion

	v.logger.Info("master key rotated",
		zap.Int("key_version", nextVersion),
		zap.Int("records", len(reencrypted)),
	)
	ev := types.NewAuditEvent("vault", "master_key.rotated").
		WithPayload("key_version", nextVersion).
		WithPayload("records", len(reencrypted)).
		Build()
	if _, err := v.audit.Log(ctx, ev); err != nil {
		return err
	}
	return nil
}

// ExpiringPasswords returns password credentials inside the rotation warning
// window, for the status engine's rotation reminders.
func (v *Vault) ExpiringPasswords(ctx context.Context) ([]*types.CredentialMeta, error) {
	v.rotationMu.RLock()
	defer v.rotationMu.RUnlock()

	recs, err := v.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := v.clock.Now()
	warn := now.Add(RotationWarningDays * 24 * time.Hour)
	var out []*types.CredentialMeta
	for _, rec := range recs {
		if rec.Meta.Kind != types.CredentialPassword || rec.Meta.SupersededBy != "" {
			continue
		}
		if rec.Meta.ExpiresAt != nil && rec.Meta.ExpiresAt.After(now) && !rec.Meta.ExpiresAt.After(warn) {
			meta := rec.Meta
			out = append(out, &meta)
		}
	}
	return out, nil
}

func (v *Vault) openRecord(ctx context.Context, id string) ([]byte, error) {
	rec, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.box.Open(&rec.Envelope)
}

func rotationExpiry(old types.CredentialMeta, now time.Time) *time.Time {
	if old.Kind != types.CredentialPassword {
		return old.ExpiresAt
	}
	exp := now.Add(DefaultRotationDays * 24 * time.Hour)
	max := now.Add(MaxRotationDays * 24 * time.Hour)
	if old.ExpiresAt != nil && old.ExpiresAt.After(max) {
		exp = max
	}
	return &exp
}

// auditEvent records a vault action. Payloads carry identifiers only, never
// plaintext. A failed append is an integrity error the enclosing operation
// must surface as its own result.
func (v *Vault) auditEvent(ctx context.Context, action, credentialID, scope string, kind types.CredentialKind, sev types.Severity, status types.EventStatus, cause error) error {
	b := types.NewAuditEvent("vault", action).
		WithSeverity(sev).
		WithStatus(status).
		WithPayload("scope", scope).
		WithPayload("kind", string(kind))
	if credentialID != "" {
		b.WithPayload("credential_id", credentialID)
	}
	if cause != nil {
		b.WithPayload("error_kind", string(types.KindOf(cause)))
	}
	if _, err := v.audit.Log(ctx, b.Build()); err != nil {
		v.logger.Error("vault audit append failed", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (v *Vault) credLock(id string) *sync.Mutex {
	v.credsMu.Lock()
	defer v.credsMu.Unlock()
	mu, ok := v.creds[id]
	if !ok {
		mu = &sync.Mutex{}
		v.creds[id] = mu
	}
	return mu
}
