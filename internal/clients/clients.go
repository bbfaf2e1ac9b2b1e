// Package clients records which users have used each client install against
// a storage folder, in {root}/clients/{clientId}.sltt-users.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidClientID = errors.New("client id must be 4 alphanumeric characters")
	ErrInvalidUsername = errors.New("username must be an email address")
)

const (
	clientsDir = "clients"
	usersExt   = ".sltt-users"
)

var (
	clientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{4}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidateClientID returns ErrInvalidClientID unless id is exactly four
// alphanumeric characters.
func ValidateClientID(id string) error {
	if !clientIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, id)
	}
	return nil
}

// Registry reads and updates the per-client user files.
type Registry struct {
	root   string
	now    func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// NewRegistry returns a Registry rooted at a LAN storage folder.
func NewRegistry(root string, logger *zap.Logger) *Registry {
	return &Registry{root: filepath.Clean(root), now: time.Now, logger: logger.Named("clients")}
}

func (r *Registry) path(clientID string) string {
	return filepath.Join(r.root, clientsDir, clientID+usersExt)
}

// RegisterUser stamps username with the current time in the client's user
// file and returns the updated map of username to ISO timestamp.
func (r *Registry) RegisterUser(clientID, username string) (map[string]string, error) {
	if err := ValidateClientID(clientID); err != nil {
		return nil, err
	}
	if !emailPattern.MatchString(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	users, err := r.read(clientID)
	if err != nil {
		return nil, err
	}
	users[username] = r.now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal users: %w", err)
	}
	dir := filepath.Join(r.root, clientsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write users of %s: %w", clientID, err)
	}
	if err := os.Rename(tmp, r.path(clientID)); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("rename users of %s: %w", clientID, err)
	}
	r.logger.Debug("registered user", zap.String("client", clientID), zap.String("user", username))
	return users, nil
}

// Users returns the registered users of a client, empty if none.
func (r *Registry) Users(clientID string) (map[string]string, error) {
	if err := ValidateClientID(clientID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(clientID)
}

func (r *Registry) read(clientID string) (map[string]string, error) {
	users := map[string]string{}
	data, err := os.ReadFile(r.path(clientID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return users, nil
		}
		return nil, fmt.Errorf("read users of %s: %w", clientID, err)
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decode users of %s: %w", clientID, err)
	}
	return users, nil
}
