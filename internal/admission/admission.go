// Package admission decides whether a folder can be adopted as LAN storage:
// it resolves share URLs to local paths, nudges the OS to mount them, and
// checks access and free space.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/state"
)

// Code classifies why a folder cannot be used.
type Code string

const (
	CodeHasExtension  Code = "HAS_EXTENSION"
	CodeNotAbsolute   Code = "NOT_ABSOLUTE"
	CodeNotDirectory  Code = "NOT_DIRECTORY"
	CodeCannotCreate  Code = "CANNOT_CREATE"
	CodeCannotWrite   Code = "CANNOT_WRITE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeNotEnoughRoom Code = "NOT_ENOUGH_SPACE"
)

// CheckError is a folder check failure with an optional disk usage snapshot
// of the volume involved.
type CheckError struct {
	Code      Code
	Path      string
	DiskUsage *state.DiskUsage
	Err       error
}

func (e *CheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Path)
}

func (e *CheckError) Unwrap() error { return e.Err }

// MountOutcome is the result of the best-effort share mount. Callers may
// ignore it.
type MountOutcome string

const (
	MountNotNeeded MountOutcome = "not-needed"
	MountStarted   MountOutcome = "started"
	MountFailed    MountOutcome = "failed"
	MountSkipped   MountOutcome = "unsupported"
)

// Usage reports free space for the volume holding path.
func Usage(ctx context.Context, p string) (*state.DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("disk usage of %s: %w", p, err)
	}
	return &state.DiskUsage{DiskPath: p, Free: u.Free, Size: u.Total}, nil
}

// Config holds Checker construction parameters.
type Config struct {
	DefaultRoot  string // local storage root, always probed first
	MinFreeBytes uint64
	Logger       *zap.Logger

	// Overrides for tests.
	GOOS  string
	Usage func(ctx context.Context, path string) (*state.DiskUsage, error)
	Mount func(shareURL string) error
}

// Checker runs admission checks.
type Checker struct {
	defaultRoot  string
	minFreeBytes uint64
	goos         string
	usage        func(ctx context.Context, path string) (*state.DiskUsage, error)
	mount        func(shareURL string) error
	logger       *zap.Logger
}

// NewChecker creates a Checker.
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		defaultRoot:  cfg.DefaultRoot,
		minFreeBytes: cfg.MinFreeBytes,
		goos:         cfg.GOOS,
		usage:        cfg.Usage,
		mount:        cfg.Mount,
		logger:       cfg.Logger.Named("admission"),
	}
	if c.goos == "" {
		c.goos = runtime.GOOS
	}
	if c.usage == nil {
		c.usage = Usage
	}
	if c.mount == nil {
		c.mount = c.openShare
	}
	return c
}

// openShare asks the desktop to mount an smb share. It does not wait.
func (c *Checker) openShare(shareURL string) error {
	if c.goos != "darwin" {
		return errors.ErrUnsupported
	}
	cmd := exec.Command("open", shareURL)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Resolve maps a candidate to a filesystem path. smb:// URLs map to where the
// platform mounts shares; file:// URLs map to their path; anything else is
// taken as a path.
func Resolve(candidate, goos string) (string, error) {
	if !strings.Contains(candidate, "://") {
		return candidate, nil
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", candidate, err)
	}
	switch u.Scheme {
	case "file":
		return filepath.FromSlash(u.Path), nil
	case "smb":
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if u.Host == "" || segs[0] == "" {
			return "", fmt.Errorf("smb url %q has no share", candidate)
		}
		switch goos {
		case "darwin":
			return path.Join(append([]string{"/Volumes"}, segs...)...), nil
		case "windows":
			return `\\` + u.Hostname() + `\` + strings.Join(segs, `\`), nil
		default:
			return path.Join(append([]string{"/mnt"}, segs...)...), nil
		}
	}
	return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// ProbeResult describes one probed candidate.
type ProbeResult struct {
	Candidate  string           `json:"candidate"`
	Path       string           `json:"path"`
	IsDefault  bool             `json:"isDefault,omitempty"`
	Mount      MountOutcome     `json:"mount"`
	Accessible bool             `json:"accessible"`
	DiskUsage  *state.DiskUsage `json:"diskUsage,omitempty"`
	Code       Code             `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Probe checks the default root and every candidate. A candidate is
// accessible when it is an existing readable and writable directory with
// more than the minimum free space.
func (c *Checker) Probe(ctx context.Context, candidates []string) []ProbeResult {
	all := candidates
	if c.defaultRoot != "" {
		all = append([]string{c.defaultRoot}, candidates...)
	}
	out := make([]ProbeResult, 0, len(all))
	for i, cand := range all {
		r := ProbeResult{Candidate: cand, IsDefault: c.defaultRoot != "" && i == 0, Mount: MountNotNeeded}
		p, err := Resolve(cand, c.goos)
		if err != nil {
			r.Code, r.Error = CodeNotFound, err.Error()
			out = append(out, r)
			continue
		}
		r.Path = p
		if strings.HasPrefix(cand, "smb://") {
			r.Mount = c.tryMount(cand)
		}
		if err := c.checkAccess(ctx, p, false); err != nil {
			var ce *CheckError
			if errors.As(err, &ce) {
				r.Code, r.DiskUsage = ce.Code, ce.DiskUsage
			}
			r.Error = err.Error()
		} else {
			r.Accessible = true
			r.DiskUsage, _ = c.usage(ctx, p)
		}
		out = append(out, r)
	}
	return out
}

func (c *Checker) tryMount(shareURL string) MountOutcome {
	err := c.mount(shareURL)
	switch {
	case err == nil:
		return MountStarted
	case errors.Is(err, errors.ErrUnsupported):
		return MountSkipped
	default:
		c.logger.Warn("mount share", zap.String("url", shareURL), zap.Error(err))
		return MountFailed
	}
}

// Connect validates a candidate for adoption and returns its resolved path.
func (c *Checker) Connect(ctx context.Context, candidate string) (string, error) {
	p, err := Resolve(candidate, c.goos)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", candidate, err)
	}
	if strings.HasPrefix(candidate, "smb://") {
		c.tryMount(candidate)
	}
	if err := c.checkAccess(ctx, p, false); err != nil {
		return "", fmt.Errorf("connect %s: %w", candidate, err)
	}
	return p, nil
}

// CanWriteToFolder checks that p is an absolute, extension-free directory
// path that exists or can be created, and that a file can be written in it.
func (c *Checker) CanWriteToFolder(ctx context.Context, p string) (*state.DiskUsage, error) {
	if err := c.checkAccess(ctx, p, true); err != nil {
		return nil, err
	}
	du, _ := c.usage(ctx, p)
	return du, nil
}

func (c *Checker) checkAccess(ctx context.Context, p string, create bool) error {
	if ext := filepath.Ext(p); ext != "" && create {
		return &CheckError{Code: CodeHasExtension, Path: p, Err: fmt.Errorf("folder name has extension %q", ext)}
	}
	if !filepath.IsAbs(p) {
		return &CheckError{Code: CodeNotAbsolute, Path: p}
	}

	info, err := os.Stat(p)
	switch {
	case err == nil && !info.IsDir():
		return &CheckError{Code: CodeNotDirectory, Path: p, DiskUsage: c.nearestUsage(ctx, p)}
	case err != nil && create:
		if err := os.MkdirAll(p, 0o755); err != nil {
			return &CheckError{Code: CodeCannotCreate, Path: p, DiskUsage: c.nearestUsage(ctx, p), Err: err}
		}
	case err != nil:
		return &CheckError{Code: CodeNotFound, Path: p, Err: err}
	}

	probe := filepath.Join(p, ".lansync-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return &CheckError{Code: CodeCannotWrite, Path: p, DiskUsage: c.nearestUsage(ctx, p), Err: err}
	}
	if _, err := os.ReadFile(probe); err != nil {
		_ = os.Remove(probe)
		return &CheckError{Code: CodeCannotWrite, Path: p, DiskUsage: c.nearestUsage(ctx, p), Err: err}
	}
	_ = os.Remove(probe)

	du, err := c.usage(ctx, p)
	if err != nil {
		c.logger.Debug("disk usage", zap.String("path", p), zap.Error(err))
		return nil
	}
	if du.Free <= c.minFreeBytes {
		return &CheckError{Code: CodeNotEnoughRoom, Path: p, DiskUsage: du,
			Err: fmt.Errorf("%d bytes free, need more than %d", du.Free, c.minFreeBytes)}
	}
	return nil
}

// nearestUsage returns disk usage of p or its closest existing ancestor.
func (c *Checker) nearestUsage(ctx context.Context, p string) *state.DiskUsage {
	for dir := p; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			du, err := c.usage(ctx, dir)
			if err != nil {
				return nil
			}
			return du
		}
		if parent := filepath.Dir(dir); parent == dir {
			return nil
		}
	}
}
