// Package secure implements the encrypted credential store. Secrets are
// sealed per key into <dataDir>/.secure/<key>.enc using AES-256-GCM. The
// encryption key derives from a single on-disk seed, so rotating the seed
// invalidates every sealed file at once.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

const (
	seedFileName = ".key_seed"
	secureDir    = ".secure"
	currentSalt  = "deep-student-secure-salt-v3"
	legacySalt   = "deep-student-secure-salt-v2"
	nonceSize    = 12
	seedSize     = 32
)

// Store seals and unseals named secrets. Writes are serialized by an
// internal mutex.
type Store struct {
	mu         sync.Mutex
	dir        string // .secure directory
	seed       []byte
	current    cipher.AEAD
	legacyAEAD cipher.AEAD // derived lazily on first legacy read
}

// Open loads (or creates) the key seed under dataDir and prepares the store.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, apperr.Validation("secure.Open", "data directory required")
	}

	dir := filepath.Join(dataDir, secureDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apperr.FileSystem("secure.Open", err)
	}

	seed, err := loadOrCreateSeed(filepath.Join(dataDir, seedFileName))
	if err != nil {
		return nil, err
	}

	aead, err := deriveAEAD(seed, currentSalt)
	if err != nil {
		return nil, apperr.Internal("secure.Open", err)
	}

	logging.Secure("secure store ready at %s", dir)
	return &Store{dir: dir, seed: seed, current: aead}, nil
}

func loadOrCreateSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != seedSize {
			return nil, apperr.New(apperr.KindInternal, "secure.loadSeed",
				"seed file has %d bytes, want %d", len(data), seedSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, apperr.FileSystem("secure.loadSeed", err)
	}

	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, apperr.Internal("secure.loadSeed", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, apperr.FileSystem("secure.loadSeed", err)
	}
	logging.Secure("generated new key seed")
	return seed, nil
}

func deriveAEAD(seed []byte, salt string) (cipher.AEAD, error) {
	sum := sha256.Sum256(append(append([]byte{}, seed...), []byte(salt)...))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// fileName maps a logical key to its on-disk name. Path separators are
// flattened so keys like "vendor/openai" stay inside .secure.
func (s *Store) fileName(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, safe+".enc")
}

// SaveSecret seals value under key, overwriting any previous value.
func (s *Store) SaveSecret(key, value string) error {
	if key == "" {
		return apperr.Validation("secure.SaveSecret", "key required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked(key, []byte(value))
}

func (s *Store) sealLocked(key string, plaintext []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return apperr.Internal("secure.SaveSecret", err)
	}
	sealed := s.current.Seal(nil, nonce, plaintext, nil)
	out := append(nonce, sealed...)

	if err := os.WriteFile(s.fileName(key), out, 0600); err != nil {
		return apperr.FileSystem("secure.SaveSecret", err)
	}
	logging.SecureDebug("sealed secret %q (%d bytes)", key, len(plaintext))
	return nil
}

// GetSecret unseals the value stored under key. Returns ok=false when the
// key does not exist. Files sealed under the legacy salt are transparently
// re-encrypted with the current key on first successful read.
func (s *Store) GetSecret(key string) (string, bool, error) {
	if key == "" {
		return "", false, apperr.Validation("secure.GetSecret", "key required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.fileName(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.FileSystem("secure.GetSecret", err)
	}
	if len(data) < nonceSize+1 {
		return "", false, apperr.New(apperr.KindInternal, "secure.GetSecret",
			"sealed file for %q too short", key)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := s.current.Open(nil, nonce, ciphertext, nil)
	if err == nil {
		return string(plaintext), true, nil
	}

	// Legacy fallback: older installs sealed with the v2 salt.
	if s.legacyAEAD == nil {
		legacyAEAD, derr := deriveAEAD(s.seed, legacySalt)
		if derr != nil {
			return "", false, apperr.Internal("secure.GetSecret", derr)
		}
		s.legacyAEAD = legacyAEAD
	}
	plaintext, lerr := s.legacyAEAD.Open(nil, nonce, ciphertext, nil)
	if lerr != nil {
		return "", false, apperr.Wrap(apperr.KindInternal, "secure.GetSecret", err,
			"decrypt failed for %q (legacy fallback also failed)", key)
	}

	logging.Secure("re-encrypting legacy secret %q with current key", key)
	if err := s.sealLocked(key, plaintext); err != nil {
		// The value is still readable; report but do not fail the read.
		logging.SecureWarn("re-encrypt of %q failed: %v", key, err)
	}
	return string(plaintext), true, nil
}

// DeleteSecret removes a sealed file. Deleting a missing key is not an error.
func (s *Store) DeleteSecret(key string) error {
	if key == "" {
		return apperr.Validation("secure.DeleteSecret", "key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.fileName(key)); err != nil && !os.IsNotExist(err) {
		return apperr.FileSystem("secure.DeleteSecret", err)
	}
	return nil
}

// ListKeys returns the logical key names with sealed values.
func (s *Store) ListKeys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.FileSystem("secure.ListKeys", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".enc") {
			keys = append(keys, strings.TrimSuffix(name, ".enc"))
		}
	}
	return keys, nil
}
