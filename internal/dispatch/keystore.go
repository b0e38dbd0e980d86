package dispatch

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeySize is the HMAC key length in bytes.
const KeySize = 32

// KeyStore supplies the notification signing key.
type KeyStore interface {
	Key() ([]byte, error)
}

// FileKeyStore keeps the key as raw bytes in a single owner-only file. The
// key is generated on first use and never regenerated while the file exists.
type FileKeyStore struct {
	path string

	mu  sync.Mutex
	key []byte
}

func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

func (s *FileKeyStore) Path() string {
	return s.path
}

func (s *FileKeyStore) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	key, err := s.read()
	if errors.Is(err, os.ErrNotExist) {
		key, err = s.create()
	}
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}

func (s *FileKeyStore) read() ([]byte, error) {
	key, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("signing key %s: want %d bytes, got %d", s.path, KeySize, len(key))
	}
	return key, nil
}

func (s *FileKeyStore) create() ([]byte, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another process; use its key.
			return s.read()
		}
		return nil, err
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return key, nil
}

// StaticKeyStore serves a fixed key.
type StaticKeyStore []byte

func (k StaticKeyStore) Key() ([]byte, error) {
	if len(k) == 0 {
		return nil, errors.New("static signing key is empty")
	}
	return k, nil
}
