package kvstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/hkdf"
)

const (
	// DataFileName holds the encrypted key/value map.
	DataFileName = "entitlements.enc"
	// KeyFileName holds the random key material the data key is derived from.
	KeyFileName = ".entitlements-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxKeyFileSize  = 4096
	maxDataFileSize = 1 << 20

	hkdfInfo = "lotto-entitlements-kv-v1"
)

var (
	errUnsafePath = errors.New("unsafe persistence path")
	errInvalidKey = errors.New("invalid persistence key")
)

// File is a Store backed by a single AES-GCM encrypted file. Every write
// rewrites the file atomically with owner-only permissions.
type File struct {
	dir string
	key []byte

	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// OpenFile opens (or creates) the encrypted store under dir.
func OpenFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("kvstore: directory cannot be empty")
	}
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure data directory: %w", err)
	}

	material, err := ensureKeyMaterial(dir)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(material)
	if err != nil {
		return nil, err
	}

	f := &File{dir: dir, key: key, data: make(map[string][]byte)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Get returns a copy of the value stored under key and whether it exists.
func (f *File) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value under key and rewrites the file. The in-memory
// value is rolled back when the write fails.
func (f *File) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

// Remove deletes key and rewrites the file. Removing a missing key is a no-op.
func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

// Close marks the store closed. Later calls return ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *File) path() string {
	return filepath.Join(f.dir, DataFileName)
}

func (f *File) load() error {
	encoded, err := readBoundedRegularFile(f.path(), maxDataFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return nil
		}
		return fmt.Errorf("read data file: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode data file: %w", err)
	}
	plain, err := f.open(sealed)
	if err != nil {
		return fmt.Errorf("decrypt data file: %w", err)
	}
	if err := json.Unmarshal(plain, &f.data); err != nil {
		return fmt.Errorf("parse data file: %w", err)
	}
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	return nil
}

func (f *File) flushLocked() error {
	plain, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	sealed, err := f.seal(plain)
	if err != nil {
		return fmt.Errorf("encrypt store: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeOwnerOnlyFileAtomic(f.path(), []byte(encoded)); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	return nil
}

func (f *File) seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(f.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *File) open(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(f.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func deriveKey(material string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(material), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// ensureKeyMaterial loads the key file, creating it on first use.
func ensureKeyMaterial(dir string) (string, error) {
	keyPath := filepath.Join(dir, KeyFileName)
	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file is empty", errInvalidKey)
		}
		return key, os.Chmod(keyPath, privateFilePerm)
	}
	if !isMissingPathError(err) {
		return "", fmt.Errorf("load key file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := hex.EncodeToString(raw)
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(key)); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(privateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
