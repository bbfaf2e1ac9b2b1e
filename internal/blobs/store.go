// Package blobs stores opaque blob files per client. A blob waits under the
// client's upload queue until it is confirmed uploaded, then moves to its
// canonical path. The move is one-way.
package blobs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/clients"
	"github.com/ssd-technologies/lansync/internal/metrics"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidBlobID   = errors.New("invalid blob id")
	ErrAlreadyUploaded = errors.New("blob is already uploaded")
)

const (
	blobsDir       = "blobs"
	queueDir       = "upload-queue"
	tmpPrefix      = ".tmp-"
	maxBlobIDBytes = 1024
)

// Kind is the grammar a blob id matched.
type Kind string

const (
	KindVideo Kind = "video"
	KindDoc   Kind = "doc"
)

var (
	videoBlobPattern = regexp.MustCompile(`^[^/]+/[^/]+/[^/]+\.(mp4|webm)$`)
	docBlobPattern   = regexp.MustCompile(`^[^/]+/[^/]+/[^/]+\.[A-Za-z0-9]+$`)
)

func classify(blobID string) (Kind, bool) {
	switch {
	case videoBlobPattern.MatchString(blobID):
		return KindVideo, true
	case docBlobPattern.MatchString(blobID):
		return KindDoc, true
	}
	return "", false
}

// Info describes a stored blob. Uploaded follows from where the file lives.
type Info struct {
	BlobID        string `json:"blobId"`
	Kind          Kind   `json:"kind"`
	Uploaded      bool   `json:"uploaded"`
	VCRTotalBlobs int    `json:"vcrTotalBlobs,omitempty"` // queue partition; 0 when uploaded
}

// Store keeps blobs under {root}/blobs/{clientId}.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore returns a Store rooted at a LAN storage folder.
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{root: filepath.Clean(root), logger: logger.Named("blobs")}
}

func validateBlobID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidBlobID)
	case len(id) > maxBlobIDBytes:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidBlobID, maxBlobIDBytes)
	case strings.HasPrefix(id, "/") || strings.HasSuffix(id, "/") || strings.Contains(id, "//"):
		return fmt.Errorf("%w: %q has a stray slash", ErrInvalidBlobID, id)
	case strings.ContainsAny(id, "\\\x00"):
		return fmt.Errorf("%w: %q has invalid characters", ErrInvalidBlobID, id)
	}
	for _, seg := range strings.Split(id, "/") {
		if seg == "." || seg == ".." || strings.HasPrefix(seg, tmpPrefix) {
			return fmt.Errorf("%w: %q", ErrInvalidBlobID, id)
		}
	}
	if id == queueDir || strings.HasPrefix(id, queueDir+"/") {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidBlobID, id)
	}
	return nil
}

func validate(clientID, blobID string) error {
	if err := clients.ValidateClientID(clientID); err != nil {
		return err
	}
	return validateBlobID(blobID)
}

func (s *Store) clientDir(clientID string) string {
	return filepath.Join(s.root, blobsDir, clientID)
}

func (s *Store) canonicalPath(clientID, blobID string) string {
	return filepath.Join(s.clientDir(clientID), filepath.FromSlash(blobID))
}

func (s *Store) queuePath(clientID, blobID string, vcrTotalBlobs int) string {
	return filepath.Join(s.clientDir(clientID), queueDir, strconv.Itoa(vcrTotalBlobs), filepath.FromSlash(blobID))
}

// findQueued returns the queued path of a blob. A positive vcrTotalBlobs
// checks only that partition; otherwise every partition is searched.
func (s *Store) findQueued(clientID, blobID string, vcrTotalBlobs int) (string, int, error) {
	if vcrTotalBlobs > 0 {
		p := s.queuePath(clientID, blobID, vcrTotalBlobs)
		if _, err := os.Stat(p); err != nil {
			return "", 0, err
		}
		return p, vcrTotalBlobs, nil
	}
	entries, err := os.ReadDir(filepath.Join(s.clientDir(clientID), queueDir))
	if err != nil {
		return "", 0, err
	}
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if !e.IsDir() || err != nil {
			continue
		}
		p := s.queuePath(clientID, blobID, n)
		if _, err := os.Stat(p); err == nil {
			return p, n, nil
		}
	}
	return "", 0, os.ErrNotExist
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Store writes a blob. With uploaded false it lands in the upload queue
// partition vcrTotalBlobs; with uploaded true it goes straight to its
// canonical path. Queuing a blob that is already uploaded is refused with
// ErrAlreadyUploaded.
func (s *Store) Store(clientID, blobID string, vcrTotalBlobs int, uploaded bool, r io.Reader) (int64, error) {
	if err := validate(clientID, blobID); err != nil {
		return 0, err
	}
	if !uploaded && vcrTotalBlobs < 1 {
		return 0, fmt.Errorf("%w: queued blob %q needs vcrTotalBlobs", ErrInvalidBlobID, blobID)
	}

	canonical := s.canonicalPath(clientID, blobID)
	dest := canonical
	if !uploaded {
		ok, err := exists(canonical)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", blobID, err)
		}
		if ok {
			return 0, fmt.Errorf("%s: %w", blobID, ErrAlreadyUploaded)
		}
		dest = s.queuePath(clientID, blobID, vcrTotalBlobs)
	}

	n, err := writeFileAtomic(dest, r)
	if err != nil {
		s.logger.Error("store blob", zap.String("client", clientID), zap.String("blob", blobID), zap.Error(err))
		return 0, err
	}
	if uploaded {
		// An uploaded blob lives only at its canonical path.
		for {
			p, _, err := s.findQueued(clientID, blobID, 0)
			if err != nil {
				break
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove queued blob", zap.String("client", clientID), zap.String("blob", blobID), zap.Error(err))
				break
			}
		}
	}
	return n, nil
}

// Retrieve opens a blob wherever it is stored. The caller closes the file.
func (s *Store) Retrieve(clientID, blobID string) (*os.File, Info, error) {
	if err := validate(clientID, blobID); err != nil {
		return nil, Info{}, err
	}
	kind, _ := classify(blobID)
	info := Info{BlobID: blobID, Kind: kind}

	f, err := os.Open(s.canonicalPath(clientID, blobID))
	if err == nil {
		info.Uploaded = true
		return f, info, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, Info{}, fmt.Errorf("open %s: %w", blobID, err)
	}

	p, n, err := s.findQueued(clientID, blobID, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Info{}, fmt.Errorf("%s: %w", blobID, ErrNotFound)
		}
		return nil, Info{}, fmt.Errorf("find %s: %w", blobID, err)
	}
	f, err = os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Info{}, fmt.Errorf("%s: %w", blobID, ErrNotFound)
		}
		return nil, Info{}, fmt.Errorf("open %s: %w", blobID, err)
	}
	info.VCRTotalBlobs = n
	return f, info, nil
}

// SetUploaded drives the queued to uploaded transition. Promoting moves the
// file to its canonical path and is a no-op for a blob already there. Asking
// for an uploaded blob to be marked not uploaded fails with
// ErrAlreadyUploaded; for a queued blob it is a no-op.
func (s *Store) SetUploaded(clientID, blobID string, vcrTotalBlobs int, uploaded bool) error {
	if err := validate(clientID, blobID); err != nil {
		return err
	}

	canonical := s.canonicalPath(clientID, blobID)
	ok, err := exists(canonical)
	if err != nil {
		return fmt.Errorf("stat %s: %w", blobID, err)
	}
	if ok {
		if uploaded {
			return nil
		}
		return fmt.Errorf("%s: %w", blobID, ErrAlreadyUploaded)
	}

	queued, _, err := s.findQueued(clientID, blobID, vcrTotalBlobs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", blobID, ErrNotFound)
		}
		return fmt.Errorf("find %s: %w", blobID, err)
	}
	if !uploaded {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", blobID, err)
	}
	if err := os.Rename(queued, canonical); err != nil {
		s.logger.Error("promote blob", zap.String("client", clientID), zap.String("blob", blobID), zap.Error(err))
		return fmt.Errorf("promote %s: %w", blobID, err)
	}
	metrics.BlobPromotions.Inc()
	s.logger.Debug("promoted blob", zap.String("client", clientID), zap.String("blob", blobID))
	return nil
}

// ListAll walks a client's tree and reports every blob whose id matches a
// known grammar, sorted by id then partition.
func (s *Store) ListAll(clientID string) ([]Info, error) {
	if err := clients.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	root := s.clientDir(clientID)
	queueRoot := filepath.Join(root, queueDir)
	out := []Info{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}

		info := Info{Uploaded: true}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if inQueue, _ := filepath.Rel(queueRoot, path); !strings.HasPrefix(inQueue, "..") {
			partition, rest, ok := strings.Cut(filepath.ToSlash(inQueue), "/")
			n, err := strconv.Atoi(partition)
			if !ok || err != nil {
				return nil
			}
			info.Uploaded = false
			info.VCRTotalBlobs = n
			rel = rest
		}
		info.BlobID = filepath.ToSlash(rel)
		kind, ok := classify(info.BlobID)
		if !ok {
			return nil
		}
		info.Kind = kind
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk blobs of %s: %w", clientID, err)
	}

	slices.SortFunc(out, func(a, b Info) int {
		if c := strings.Compare(a.BlobID, b.BlobID); c != 0 {
			return c
		}
		return a.VCRTotalBlobs - b.VCRTotalBlobs
	})
	return out, nil
}

// writeFileAtomic copies r into path through a temporary file in the same
// directory.
func writeFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, tmpPrefix+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
