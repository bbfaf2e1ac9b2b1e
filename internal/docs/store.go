// Package docs stores project documents as one JSON file per revision. The
// filename encodes provenance, modification date, id and authors so that a
// directory listing is also the index.
package docs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/metrics"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidDoc      = errors.New("invalid document")
	ErrFilenameTooLong = errors.New("document filename too long")
)

const (
	docsDir   = "docs"
	localDir  = "local"
	remoteDir = "remote"
)

// Doc holds the fields of a document body that are encoded into its
// filename. The rest of the body is opaque.
type Doc struct {
	ID      string `json:"_id"`
	ModDate string `json:"modDate"`
	Creator string `json:"creator"`
	ModBy   string `json:"modBy"`
}

// StoreResult reports what a Store call did.
type StoreResult struct {
	Filename       string `json:"filename"`
	FreshlyWritten bool   `json:"freshlyWritten"`
	Lost           bool   `json:"lost,omitempty"` // written aside; a greater revision already exists
}

// Retrieved is a loaded document.
type Retrieved struct {
	Fields Filename        `json:"fields"`
	Doc    json.RawMessage `json:"doc"`
}

// Store reads and writes documents under {root}/docs/{project}/{local,remote}.
type Store struct {
	root   string
	logger *zap.Logger

	mu sync.Mutex // serializes the scan-compare-write of local stores
}

// NewStore returns a Store rooted at a LAN storage folder.
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{root: filepath.Clean(root), logger: logger.Named("docs")}
}

func validateProject(project string) error {
	if project == "" || project == "." || project == ".." ||
		strings.ContainsAny(project, `/\`) || strings.ContainsRune(project, 0) {
		return fmt.Errorf("%w: project %q", ErrInvalidDoc, project)
	}
	return nil
}

func (s *Store) dir(project string, remote bool) string {
	if remote {
		return filepath.Join(s.root, docsDir, project, remoteDir)
	}
	return filepath.Join(s.root, docsDir, project, localDir)
}

// Store writes body as a document of project. With a nil remoteSeq the write
// is local: an identical existing file makes it a no-op, and only the
// lexicographically greatest revision for the same (id, creator) keeps its
// canonical name while the others are renamed with a -lost suffix. With a
// remoteSeq the document is written into the remote folder and its local twin,
// if any, is removed.
func (s *Store) Store(project string, body []byte, remoteSeq *int) (StoreResult, error) {
	if err := validateProject(project); err != nil {
		return StoreResult{}, err
	}
	var d Doc
	if err := json.Unmarshal(body, &d); err != nil {
		return StoreResult{}, fmt.Errorf("%w: %v", ErrInvalidDoc, err)
	}
	if err := validateDoc(d, remoteSeq); err != nil {
		return StoreResult{}, err
	}
	name, err := composeFilename(d, remoteSeq)
	if err != nil {
		return StoreResult{}, err
	}

	if remoteSeq != nil {
		return s.storeRemote(project, name, body)
	}
	return s.storeLocal(project, name, body)
}

func (s *Store) storeRemote(project, name string, body []byte) (StoreResult, error) {
	dir := s.dir(project, true)
	if err := writeFileAtomic(dir, name, body); err != nil {
		s.logger.Error("write remote doc", zap.String("project", project), zap.String("file", name), zap.Error(err))
		return StoreResult{}, err
	}
	metrics.DocsStored.WithLabelValues("remote").Inc()

	twin := filepath.Join(s.dir(project, false), LocalMarker+withoutPrefix(name))
	if err := os.Remove(twin); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove local twin", zap.String("file", twin), zap.Error(err))
	}
	return StoreResult{Filename: name, FreshlyWritten: true}, nil
}

func (s *Store) storeLocal(project, name string, body []byte) (StoreResult, error) {
	candidate, err := ParseFilename(name)
	if err != nil {
		return StoreResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(project, false)
	names, err := listDocFiles(dir)
	if err != nil {
		return StoreResult{}, fmt.Errorf("list %s: %w", dir, err)
	}

	var rivals []string
	for _, n := range names {
		f, err := ParseFilename(n)
		if err != nil || f.Lost {
			continue
		}
		if f.idPart == candidate.idPart && f.CreatorHash == candidate.CreatorHash {
			if n == name {
				metrics.DocsStored.WithLabelValues("unchanged").Inc()
				return StoreResult{Filename: name}, nil
			}
			rivals = append(rivals, n)
		}
	}

	greatest := name
	for _, r := range rivals {
		if r > greatest {
			greatest = r
		}
	}

	if greatest != name {
		lost := name + lostSuffix
		if err := writeFileAtomic(dir, lost, body); err != nil {
			return StoreResult{}, err
		}
		s.logger.Info("document revision lost to a greater one",
			zap.String("project", project), zap.String("file", name), zap.String("winner", greatest))
		metrics.DocsStored.WithLabelValues("lost").Inc()
		return StoreResult{Filename: lost, FreshlyWritten: true, Lost: true}, nil
	}

	// Rivals go aside first so a failure never leaves two canonical revisions.
	var moved []string
	restore := func() {
		for _, r := range moved {
			from := filepath.Join(dir, r)
			if err := os.Rename(from+lostSuffix, from); err != nil {
				s.logger.Error("restore superseded doc", zap.String("file", from), zap.Error(err))
			}
		}
	}
	for _, r := range rivals {
		from := filepath.Join(dir, r)
		if err := os.Rename(from, from+lostSuffix); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.logger.Error("move superseded doc aside", zap.String("file", from), zap.Error(err))
			restore()
			return StoreResult{}, fmt.Errorf("move %s aside: %w", r, err)
		}
		moved = append(moved, r)
	}
	if err := writeFileAtomic(dir, name, body); err != nil {
		s.logger.Error("write local doc", zap.String("project", project), zap.String("file", name), zap.Error(err))
		restore()
		return StoreResult{}, err
	}
	metrics.DocsStored.WithLabelValues("written").Inc()
	return StoreResult{Filename: name, FreshlyWritten: true}, nil
}

// List returns the document filenames of project in sorted order. Remote
// listings contain every remote file. Local listings leave out lost files and
// files whose remote counterpart already exists.
func (s *Store) List(project string, remote bool) ([]string, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}
	remoteNames, err := listDocFiles(s.dir(project, true))
	if err != nil {
		return nil, fmt.Errorf("list remote docs of %s: %w", project, err)
	}
	if remote {
		return remoteNames, nil
	}

	confirmed := make(map[string]bool, len(remoteNames))
	for _, n := range remoteNames {
		confirmed[withoutPrefix(n)] = true
	}
	localNames, err := listDocFiles(s.dir(project, false))
	if err != nil {
		return nil, fmt.Errorf("list local docs of %s: %w", project, err)
	}
	out := make([]string, 0, len(localNames))
	for _, n := range localNames {
		if strings.HasSuffix(n, lostSuffix) || confirmed[withoutPrefix(n)] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Retrieve loads a document by the filename returned from Store or List. A
// missing file yields ErrNotFound. When the filename carries an abbreviated
// id, the full id is restored from the body.
func (s *Store) Retrieve(project, filename string) (Retrieved, error) {
	if err := validateProject(project); err != nil {
		return Retrieved{}, err
	}
	fields, err := ParseFilename(filename)
	if err != nil {
		return Retrieved{}, err
	}

	path := filepath.Join(s.dir(project, !fields.Local), filename)
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Retrieved{}, fmt.Errorf("%s: %w", filename, ErrNotFound)
		}
		s.logger.Error("read doc", zap.String("file", path), zap.Error(err))
		return Retrieved{}, fmt.Errorf("read %s: %w", filename, err)
	}
	var d Doc
	if err := json.Unmarshal(body, &d); err != nil {
		return Retrieved{}, fmt.Errorf("decode %s: %w", filename, err)
	}
	if fields.Abbreviated {
		fields.ID = d.ID
	}
	return Retrieved{Fields: fields, Doc: body}, nil
}

// listDocFiles returns the sorted document filenames in dir, lost files
// included. A missing dir is empty.
func listDocFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, Ext) || strings.HasSuffix(n, Ext+lostSuffix) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

// writeFileAtomic writes data to dir/name through a temporary file.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
