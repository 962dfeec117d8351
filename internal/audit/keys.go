package audit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	// ErrKeyUnavailable is returned when the provider cannot hand out a key.
	ErrKeyUnavailable = errors.New("audit: encryption key unavailable")
	// ErrUnknownKeyVersion is returned for versions the provider never issued.
	ErrUnknownKeyVersion = errors.New("audit: unknown key version")
)

// Key is a versioned AES-256 key.
type Key struct {
	Version  int
	Material []byte
}

// KeyProvider hands out payload encryption keys. Old versions stay readable
// after rotation.
type KeyProvider interface {
	CurrentKey(ctx context.Context) (Key, error)
	Key(ctx context.Context, version int) (Key, error)
}

// EphemeralKeyring derives keys from a random master secret held only in
// memory. Payloads become unreadable once the process exits.
type EphemeralKeyring struct {
	mu      sync.RWMutex
	master  []byte
	version int
}

// NewEphemeralKeyring draws a fresh master secret.
func NewEphemeralKeyring() (*EphemeralKeyring, error) {
	master := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	return &EphemeralKeyring{master: master, version: 1}, nil
}

// CurrentKey implements KeyProvider.
func (k *EphemeralKeyring) CurrentKey(ctx context.Context) (Key, error) {
	k.mu.RLock()
	v := k.version
	k.mu.RUnlock()
	return k.Key(ctx, v)
}

// Key implements KeyProvider.
func (k *EphemeralKeyring) Key(_ context.Context, version int) (Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if version < 1 || version > k.version {
		return Key{}, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	r := hkdf.New(sha256.New, k.master, []byte("pegstab-payload-kdf"), []byte("v"+strconv.Itoa(version)))
	material := make([]byte, keySize)
	if _, err := io.ReadFull(r, material); err != nil {
		return Key{}, fmt.Errorf("%w: derive v%d: %w", ErrKeyUnavailable, version, err)
	}
	return Key{Version: version, Material: material}, nil
}

// Rotate advances the active version.
func (k *EphemeralKeyring) Rotate() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.version++
	return k.version
}

// keystoreFile is the on-disk format of a FileKeyring.
type keystoreFile struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
}

// FileKeyring keeps versioned keys in a JSON keystore with 0600 permissions.
type FileKeyring struct {
	mu     sync.RWMutex
	path   string
	active int
	keys   map[int][]byte
}

// OpenFileKeyring loads the keystore at path, creating it with a first key
// when missing.
func OpenFileKeyring(path string) (*FileKeyring, error) {
	k := &FileKeyring{path: path, keys: make(map[int][]byte)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create keystore dir: %w", err)
		}
		if _, err := k.rotateLocked(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	for vStr, encoded := range file.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("invalid key version %q: %w", vStr, err)
		}
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", v, err)
		}
		if len(material) != keySize {
			return nil, fmt.Errorf("key v%d has length %d, want %d", v, len(material), keySize)
		}
		k.keys[v] = material
	}
	if _, ok := k.keys[file.ActiveVersion]; !ok {
		return nil, fmt.Errorf("active version %d not in keystore", file.ActiveVersion)
	}
	k.active = file.ActiveVersion
	return k, nil
}

// CurrentKey implements KeyProvider.
func (k *FileKeyring) CurrentKey(ctx context.Context) (Key, error) {
	k.mu.RLock()
	v := k.active
	k.mu.RUnlock()
	return k.Key(ctx, v)
}

// Key implements KeyProvider.
func (k *FileKeyring) Key(_ context.Context, version int) (Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	material, ok := k.keys[version]
	if !ok {
		return Key{}, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	return Key{Version: version, Material: append([]byte(nil), material...)}, nil
}

// Rotate generates a new active key and persists the keystore.
func (k *FileKeyring) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rotateLocked()
}

// ActiveVersion returns the version new payloads are sealed with.
func (k *FileKeyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *FileKeyring) rotateLocked() (int, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return 0, fmt.Errorf("generate key: %w", err)
	}
	next := k.active + 1
	k.keys[next] = material
	prev := k.active
	k.active = next
	if err := k.persistLocked(); err != nil {
		delete(k.keys, next)
		k.active = prev
		return 0, err
	}
	return next, nil
}

func (k *FileKeyring) persistLocked() error {
	file := keystoreFile{ActiveVersion: k.active, Keys: make(map[string]string, len(k.keys))}
	for v, material := range k.keys {
		file.Keys[strconv.Itoa(v)] = base64.StdEncoding.EncodeToString(material)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

// encrypt seals plaintext with AES-256-GCM. The random nonce is prefixed to
// the ciphertext and aad is authenticated but not stored.
func encrypt(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func decrypt(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

var (
	_ KeyProvider = (*EphemeralKeyring)(nil)
	_ KeyProvider = (*FileKeyring)(nil)
)
