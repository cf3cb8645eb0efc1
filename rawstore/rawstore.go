// Package rawstore is a content-addressed store for raw fetch results. Each
// saved page is keyed by a blake3 hash of its URL, with the body written
// through a temp-file-then-rename protocol so a crash mid-write can never
// leave a corrupt or partially-written entry visible to a reader — the gap
// left open by the reference store, which writes the body and then updates
// its index with no fsync or atomic rename in between.
package rawstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Metadata describes one stored entry.
type Metadata struct {
	Key         string            `json:"key"`
	URL         string            `json:"url"`
	ContentType string            `json:"content_type"`
	StatusCode  int               `json:"status_code"`
	Size        int64             `json:"size"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Store persists raw page bodies on disk, indexed by URL hash.
type Store struct {
	baseDir string

	mu    sync.Mutex
	index map[string]Metadata
}

const indexFileName = "metadata.json"

// Open creates (if needed) the store directory and loads its existing
// index, if any.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{baseDir: baseDir, index: make(map[string]Metadata)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Key returns the content-addressed key for a URL.
func Key(url string) string {
	sum := blake3.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (s *Store) indexPath() string {
	return filepath.Join(s.baseDir, indexFileName)
}

func (s *Store) bodyPath(key string) string {
	return filepath.Join(s.baseDir, key+".body")
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, &s.index)
}

// persistIndex writes the in-memory index to disk atomically: write to a
// temp file in the same directory, fsync it, then rename over the real
// index so a crash never leaves a half-written metadata.json behind.
func (s *Store) persistIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.indexPath(), data)
}

// atomicWrite writes data to path via temp-file + fsync + rename, so a
// reader never observes a partially-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Exists reports whether url has already been stored.
func (s *Store) Exists(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[Key(url)]
	return ok
}

// Save writes body and its metadata for url, returning the content key.
// The body is written to its final path via atomicWrite before the index
// is updated and persisted, so a reader can never observe an index entry
// whose body file doesn't yet exist on disk.
func (s *Store) Save(url string, body []byte, contentType string, statusCode int, headers map[string]string) (string, error) {
	key := Key(url)

	if err := atomicWrite(s.bodyPath(key), body); err != nil {
		return "", fmt.Errorf("rawstore: writing body: %w", err)
	}

	meta := Metadata{
		Key:         key,
		URL:         url,
		ContentType: contentType,
		StatusCode:  statusCode,
		Size:        int64(len(body)),
		FetchedAt:   time.Now(),
		Headers:     headers,
	}

	s.mu.Lock()
	s.index[key] = meta
	err := s.persistIndex()
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("rawstore: persisting index: %w", err)
	}
	return key, nil
}

// Load returns the stored body for url.
func (s *Store) Load(url string) ([]byte, Metadata, error) {
	s.mu.Lock()
	meta, ok := s.index[Key(url)]
	s.mu.Unlock()
	if !ok {
		return nil, Metadata{}, os.ErrNotExist
	}
	body, err := os.ReadFile(s.bodyPath(meta.Key))
	if err != nil {
		return nil, Metadata{}, err
	}
	return body, meta, nil
}

// GetMetadata returns metadata for url without reading its body.
func (s *Store) GetMetadata(url string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[Key(url)]
	return meta, ok
}

// Delete removes a stored entry, if present.
func (s *Store) Delete(url string) error {
	key := Key(url)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; !ok {
		return nil
	}
	delete(s.index, key)
	if err := s.persistIndex(); err != nil {
		return err
	}
	if err := os.Remove(s.bodyPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListAll returns metadata for every stored entry.
func (s *Store) ListAll() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Metadata, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, m)
	}
	return out
}

// Stats summarizes the store's current occupancy.
type Stats struct {
	Count     int
	TotalSize int64
}

// GetStats returns an aggregate snapshot of the store.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Count: len(s.index)}
	for _, m := range s.index {
		stats.TotalSize += m.Size
	}
	return stats
}

// Clear removes every stored entry and resets the index.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.index {
		if err := os.Remove(s.bodyPath(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	s.index = make(map[string]Metadata)
	return s.persistIndex()
}
