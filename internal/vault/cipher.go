package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/otrix/occam-agents/pkg/types"
)

const (
	masterKeySize = 32
	dataKeySize   = 32
	gcmTagSize    = 16
)

// Envelope is the persisted ciphertext layout:
// {nonce, ciphertext, tag, key-version, created-at}.
type Envelope struct {
	KeyVersion int       `json:"key_version"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Tag        []byte    `json:"tag"`
	CreatedAt  time.Time `json:"created_at"`
}

// cipherBox performs AEAD sealing with data keys derived from the master key.
// Each key version derives a distinct AES-256 key via HKDF-SHA256, so master
// key rotation re-encrypts under a fresh version without reusing key material.
type cipherBox struct {
	master []byte
}

func newCipherBox(masterKey []byte) (*cipherBox, error) {
	if len(masterKey) != masterKeySize {
		return nil, types.E(types.KindValidation, "vault.cipher",
			"master key must be %d bytes, got %d", masterKeySize, len(masterKey))
	}
	key := make([]byte, masterKeySize)
	copy(key, masterKey)
	return &cipherBox{master: key}, nil
}

func (c *cipherBox) dataKey(version int) ([]byte, error) {
	info := fmt.Sprintf("occam-vault-data-key-v%d", version)
	r := hkdf.New(sha256.New, c.master, nil, []byte(info))
	key := make([]byte, dataKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}
	return key, nil
}

func (c *cipherBox) aead(version int) (cipher.AEAD, error) {
	key, err := c.dataKey(version)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under the given key version with a fresh random
// nonce. The authentication tag is stored alongside the ciphertext.
func (c *cipherBox) Seal(plaintext []byte, version int, now time.Time) (*Envelope, error) {
	gcm, err := c.aead(version)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	n := len(sealed) - gcmTagSize

	return &Envelope{
		KeyVersion: version,
		Nonce:      nonce,
		Ciphertext: sealed[:n],
		Tag:        sealed[n:],
		CreatedAt:  now,
	}, nil
}

// Open decrypts an envelope. An authentication tag mismatch is an integrity
// error and fatal for the enclosing action.
func (c *cipherBox) Open(env *Envelope) ([]byte, error) {
	gcm, err := c.aead(env.KeyVersion)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, types.E(types.KindIntegrity, "vault.open", "authentication tag mismatch")
	}
	return plaintext, nil
}

// zeroBytes overwrites b so plaintext and key material do not linger in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
