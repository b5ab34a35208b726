// Package identity supplies the opaque user id a client chats as.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileName     = "user_id"
	suffixLength = 9
	base36       = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Provider returns the current user's id.
type Provider interface {
	UserID() (string, error)
}

// Static is a Provider with a fixed id.
type Static string

func (s Static) UserID() (string, error) {
	if s == "" {
		return "", errors.New("empty static user id")
	}
	return string(s), nil
}

// FileProvider keeps a generated id in a file under a data directory so the
// same user is recognized across runs.
type FileProvider struct {
	dir string
	now func() time.Time

	mu sync.Mutex
	id string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir, now: time.Now}
}

// Path is the file the id is stored in.
func (p *FileProvider) Path() string {
	return filepath.Join(p.dir, fileName)
}

// UserID returns the stored id, generating and saving one on first use.
func (p *FileProvider) UserID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	data, err := os.ReadFile(p.Path())
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			p.id = id
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("reading user id: %w", err)
	}

	id := NewID(p.now())
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating user id directory: %w", err)
	}
	if err := os.WriteFile(p.Path(), []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing user id: %w", err)
	}
	p.id = id
	return id, nil
}

// NewID returns an id of the form user_<unix-ms>_<9 base36 chars>.
func NewID(now time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("user_%d_", now.UnixMilli()))
	for i := 0; i < suffixLength; i++ {
		sb.WriteByte(base36[rand.IntN(len(base36))])
	}
	return sb.String()
}
