// Package projects maintains the storage folder's project whitelist, an
// append-only TSV log of add and remove actions.
package projects

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Filename is the whitelist file at the storage root.
const Filename = "whitelist.sltt-projects"

var (
	ErrInvalidProject = errors.New("invalid project name")
	ErrInvalidAdmin   = errors.New("admin must be an email address")
)

// Action is the second column of a whitelist line.
type Action string

const (
	Add    Action = "+"
	Remove Action = "-"
)

// Entry is one whitelist line.
type Entry struct {
	At      time.Time
	Action  Action
	Project string
	Admin   string
}

// Whitelist appends to and evaluates {root}/whitelist.sltt-projects.
type Whitelist struct {
	path   string
	now    func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// NewWhitelist returns the whitelist of a LAN storage folder.
func NewWhitelist(root string, logger *zap.Logger) *Whitelist {
	return &Whitelist{
		path:   filepath.Join(filepath.Clean(root), Filename),
		now:    time.Now,
		logger: logger.Named("projects"),
	}
}

func validate(project, admin string) error {
	if project == "" || strings.ContainsAny(project, "\t\n\r/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	if !strings.Contains(admin, "@") || strings.ContainsAny(admin, "\t\n\r ") {
		return fmt.Errorf("%w: %q", ErrInvalidAdmin, admin)
	}
	return nil
}

// AddProject appends a + line and returns the resulting project list.
func (w *Whitelist) AddProject(project, admin string) ([]string, error) {
	return w.append(Add, project, admin)
}

// RemoveProject appends a - line and returns the resulting project list.
func (w *Whitelist) RemoveProject(project, admin string) ([]string, error) {
	return w.append(Remove, project, admin)
}

func (w *Whitelist) append(action Action, project, admin string) ([]string, error) {
	if err := validate(project, admin); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	line := fmt.Sprintf("%d\t%s\t%s\t%s\n", w.now().UnixMilli(), action, project, admin)
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open whitelist: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("append whitelist: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close whitelist: %w", err)
	}
	w.logger.Info("whitelist changed", zap.String("action", string(action)), zap.String("project", project), zap.String("admin", admin))
	return w.projectsLocked()
}

// Projects returns the current sorted project list. A missing file is an
// empty list.
func (w *Whitelist) Projects() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projectsLocked()
}

func (w *Whitelist) projectsLocked() ([]string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	entries, skipped, err := ParseEntries(data)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		w.logger.Warn("skipped malformed whitelist lines", zap.Int("count", skipped))
	}
	return CurrentProjects(entries), nil
}

// ParseEntries decodes whitelist content in file order. Malformed lines are
// skipped and counted; a line too long to scan fails the whole parse.
func ParseEntries(data []byte) (entries []Entry, skipped int, err error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 4 {
			skipped++
			continue
		}
		ms, err := strconv.ParseInt(cols[0], 10, 64)
		action := Action(cols[1])
		if err != nil || (action != Add && action != Remove) || cols[2] == "" {
			skipped++
			continue
		}
		entries = append(entries, Entry{At: time.UnixMilli(ms).UTC(), Action: action, Project: cols[2], Admin: cols[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan whitelist: %w", err)
	}
	return entries, skipped, nil
}

// CurrentProjects scans entries newest-first: the latest action seen for a
// project decides its membership.
func CurrentProjects(entries []Entry) []string {
	decided := map[string]bool{}
	out := []string{}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, ok := decided[e.Project]; ok {
			continue
		}
		decided[e.Project] = true
		if e.Action == Add {
			out = append(out, e.Project)
		}
	}
	slices.Sort(out)
	return out
}
