package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	nodeFileName     = "data.json"
	servicesFileName = "services.json"
)

// FileStore keeps one directory per node under a root directory:
//
//	<root>/<node-id>/data.json      node record
//	<root>/<node-id>/services.json  service catalog
//
// Files are replaced atomically by writing a sibling temp file and renaming
// it over the target. Crash consistency across the two files is not provided.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates root if needed and returns a store rooted there.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("file store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory the store writes under.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) nodeDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: id %q cannot be used as a directory name", ErrNodeRecordInvalid, id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *FileStore) SaveNode(rec NodeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Neighbours == nil {
		rec.Neighbours = []NeighbourRecord{}
	}
	dir, err := s.nodeDir(rec.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(dir, nodeFileName), rec)
}

func (s *FileStore) LoadNode(id string) (NodeRecord, error) {
	dir, err := s.nodeDir(id)
	if err != nil {
		return NodeRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec NodeRecord
	if err := readJSON(filepath.Join(dir, nodeFileName), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NodeRecord{}, fmt.Errorf("%w: node %q", ErrNotFound, id)
		}
		return NodeRecord{}, fmt.Errorf("load node %q: %w", id, err)
	}
	if err := rec.Validate(); err != nil {
		return NodeRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) SaveServices(nodeID string, entries []ServiceEntry) error {
	dir, err := s.nodeDir(nodeID)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []ServiceEntry{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(dir, servicesFileName), entries)
}

func (s *FileStore) LoadServices(nodeID string) ([]ServiceEntry, error) {
	dir, err := s.nodeDir(nodeID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []ServiceEntry
	if err := readJSON(filepath.Join(dir, servicesFileName), &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load services of %q: %w", nodeID, err)
	}
	return entries, nil
}

func (s *FileStore) NodeIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list store root: %w", err)
	}
	var ids []string
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, d.Name(), nodeFileName)); err == nil {
			ids = append(ids, d.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
