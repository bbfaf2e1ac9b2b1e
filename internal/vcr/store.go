// Package vcr stores video cache records. Records sharing a client, project
// and portion live in one JSON object file keyed by video id, and writes to a
// file are batched so that each flush is a single read-merge-write.
package vcr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/clients"
)

var ErrInvalidRecord = errors.New("invalid video cache record")

const (
	vcrsDir = "vcrs"
	// Ext is the extension of every record file.
	Ext = ".sltt-vcrs"
	sep = "__"
)

// Record is the part of a video cache record the store inspects. The stored
// value is the full record as sent.
type Record struct {
	ID        string `json:"_id"` // {project}/{portion}/{videoId...}
	Uploadeds []bool `json:"uploadeds"`
}

// Key is the decomposed record id.
type Key struct {
	Project string
	Portion string
	VideoID string
}

// ParseID splits a record id into project, portion and video id. The video id
// may itself contain slashes.
func ParseID(id string) (Key, error) {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("%w: _id %q is not project/portion/videoId", ErrInvalidRecord, id)
	}
	for _, p := range parts[:2] {
		if p == "." || p == ".." || strings.Contains(p, sep) || strings.ContainsAny(p, `\`+"\x00") {
			return Key{}, fmt.Errorf("%w: _id %q", ErrInvalidRecord, id)
		}
	}
	return Key{Project: parts[0], Portion: parts[1], VideoID: parts[2]}, nil
}

// Filename returns the name of the file holding records of project/portion.
func Filename(project, portion string) string {
	return project + sep + portion + Ext
}

// Config holds Store construction parameters.
type Config struct {
	Root     string
	MaxItems int           // flush when a batch holds this many records
	MaxWait  time.Duration // flush when the oldest record in a batch is this old
	Logger   *zap.Logger
}

// Store is the batched record store. Batchers are created on first write to a
// file and kept for the life of the Store.
type Store struct {
	root     string
	maxItems int
	maxWait  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	batchers map[string]*batcher
}

// NewStore creates a Store.
func NewStore(cfg Config) *Store {
	if cfg.MaxItems < 1 {
		cfg.MaxItems = 1
	}
	return &Store{
		root:     filepath.Clean(cfg.Root),
		maxItems: cfg.MaxItems,
		maxWait:  cfg.MaxWait,
		logger:   cfg.Logger.Named("vcr"),
		batchers: make(map[string]*batcher),
	}
}

func (s *Store) clientDir(clientID string) string {
	return filepath.Join(s.root, vcrsDir, clientID)
}

func (s *Store) batcherFor(path string) *batcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batchers[path]
	if !ok {
		b = newBatcher(path, s.maxItems, s.maxWait, s.logger)
		s.batchers[path] = b
	}
	return b
}

// Store queues record for its file and waits until the batch holding it has
// been flushed. Cancelling ctx stops the wait, not the flush.
func (s *Store) Store(ctx context.Context, clientID string, record json.RawMessage) error {
	if err := clients.ValidateClientID(clientID); err != nil {
		return err
	}
	var r Record
	if err := json.Unmarshal(record, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	key, err := ParseID(r.ID)
	if err != nil {
		return err
	}

	path := filepath.Join(s.clientDir(clientID), Filename(key.Project, key.Portion))
	bt := s.batcherFor(path).add(key.VideoID, record)
	select {
	case <-bt.done:
		return bt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListFiles returns the record filenames of a client, restricted to project
// unless project is empty.
func (s *Store) ListFiles(clientID, project string) ([]string, error) {
	if err := clients.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.clientDir(clientID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list records of %s: %w", clientID, err)
	}
	out := []string{}
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, Ext) {
			continue
		}
		if project != "" && !strings.HasPrefix(n, project+sep) {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// Retrieve loads one record file. A missing file is an empty object.
func (s *Store) Retrieve(clientID, filename string) (map[string]json.RawMessage, error) {
	if err := clients.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	if filename != filepath.Base(filename) || !strings.HasSuffix(filename, Ext) {
		return nil, fmt.Errorf("%w: filename %q", ErrInvalidRecord, filename)
	}
	return readObject(filepath.Join(s.clientDir(clientID), filename))
}

// Flush writes every pending batch and waits for the writes to finish.
func (s *Store) Flush() {
	s.mu.Lock()
	all := make([]*batcher, 0, len(s.batchers))
	for _, b := range s.batchers {
		all = append(all, b)
	}
	s.mu.Unlock()
	for _, b := range all {
		b.flushNow()
	}
}

func readObject(path string) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return obj, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return obj, nil
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return obj, nil
}

func writeObject(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
