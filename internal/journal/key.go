package journal

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// AgeEncryptor wraps an age X25519 identity used to encrypt the journal's
// HMAC signing key at rest. Repurposed from the teacher's
// internal/secrets.AgeEncryptor, which encrypts auth-scope OAuth secrets;
// here it protects one 32-byte MAC key instead of a map of credentials.
type AgeEncryptor struct {
	identity *age.X25519Identity
}

// NewAgeEncryptor loads an existing age identity file at path.
func NewAgeEncryptor(path string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read age identity: %w", err)
	}
	id, err := age.ParseX25519Identity(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("journal: parse age identity: %w", err)
	}
	return &AgeEncryptor{identity: id}, nil
}

// EnsureKeyFile loads the age identity at path, generating and persisting
// a new one if the file doesn't exist yet. Mirrors the auto-generate
// fallback chain in the teacher's cmd/mcplexer/main.go buildAuthInjector.
func EnsureKeyFile(path string) (*AgeEncryptor, error) {
	if _, err := os.Stat(path); err == nil {
		return NewAgeEncryptor(path)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("journal: generate age identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal: mkdir for age identity: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("journal: persist age identity: %w", err)
	}

	return &AgeEncryptor{identity: id}, nil
}

// NewEphemeralEncryptor generates an in-memory-only identity for use when
// key persistence fails; the journal's signing key will not survive a
// process restart, so a fresh genesis begins on next start.
func NewEphemeralEncryptor() (*AgeEncryptor, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("journal: generate ephemeral identity: %w", err)
	}
	return &AgeEncryptor{identity: id}, nil
}

// Encrypt encrypts plaintext to the encryptor's own public key, so the
// same AgeEncryptor that encrypts can later decrypt.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("journal: open age writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("journal: age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("journal: close age writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt decrypts a blob previously produced by Encrypt.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("journal: open age reader: %w", err)
	}
	return io.ReadAll(r)
}

// keyFilePath derives the encrypted MAC key blob's location alongside the
// age identity used to protect it.
func keyFilePath(identityPath string) string {
	return identityPath + ".macKey"
}

// LoadOrCreateMACKey resolves the journal's HMAC signing key: it loads an
// existing age-encrypted key blob next to identityPath, or generates a
// fresh random 32-byte key and persists it encrypted under a
// freshly-ensured identity. If key persistence fails at any step, it logs
// a warning and returns a fresh ephemeral key instead of blocking startup
// (spec.md §4.6: "the Journal must never block startup on key storage").
func LoadOrCreateMACKey(identityPath string) []byte {
	enc, err := EnsureKeyFile(identityPath)
	if err != nil {
		slog.Warn("journal: failed to ensure age identity, using ephemeral mac key", "error", err)
		return randomKey()
	}

	blobPath := keyFilePath(identityPath)
	if data, err := os.ReadFile(blobPath); err == nil {
		key, err := enc.Decrypt(data)
		if err == nil && len(key) == 32 {
			return key
		}
		slog.Warn("journal: failed to decrypt persisted mac key, generating a new one", "error", err)
	}

	key := randomKey()
	blob, err := enc.Encrypt(key)
	if err != nil {
		slog.Warn("journal: failed to encrypt mac key for persistence, continuing ephemeral", "error", err)
		return key
	}
	if err := os.WriteFile(blobPath, blob, 0o600); err != nil {
		slog.Warn("journal: failed to persist mac key, continuing ephemeral", "error", err)
	}
	return key
}

func randomKey() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(fmt.Sprintf("journal: crypto/rand failed: %v", err))
	}
	return k
}
