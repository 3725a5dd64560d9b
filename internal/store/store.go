// Package store is the file backend behind the /file, /read_json and
// /write_json endpoints. Files are JSON documents addressed by path;
// relative paths resolve against the store root.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidJSON = errors.New("invalid json")
)

type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string) *Store {
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) Root() string { return s.root }

// Path resolves name against the root.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(s.root, name)
}

func (s *Store) lock(path string) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Read returns the file contents, which must be valid JSON.
func (s *Store) Read(name string) (json.RawMessage, error) {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidJSON)
	}
	return json.RawMessage(data), nil
}

// Write stores data indented with two spaces. The write goes through a
// temporary file in the same directory and a rename.
func (s *Store) Write(name string, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrInvalidJSON, err)
	}
	path := s.Path(name)
	unlock := s.lock(path)
	defer unlock()
	return writeAtomic(path, buf.Bytes())
}

// Copy duplicates src to dst, creating dst's directory.
func (s *Store) Copy(src, dst string) error {
	srcPath, dstPath := s.Path(src), s.Path(dst)
	in, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", src, ErrNotFound)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	unlock := s.lock(dstPath)
	defer unlock()
	return writeAtomic(dstPath, data)
}

func (s *Store) Delete(name string) error {
	path := s.Path(name)
	unlock := s.lock(path)
	defer unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
