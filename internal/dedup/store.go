// Package dedup tracks which inbox files have already been delivered.
// Files are keyed by (name, mtime); a content fingerprint guards against
// mtime reuse after a file is rewritten in place.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is the persisted evidence that a file was delivered.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	ProcessedAt time.Time `json:"processed_at"`
	Size        int64     `json:"size"`
}

// Store persists per-project delivery records as one JSON file per project.
// Records are never pruned. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir (one <project>_processed.json per
// project).
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "dedup").Logger(),
	}
}

// IsNew reports whether the file at path has not yet been delivered for the
// given project. A file is new iff no record exists for its (name, mtime)
// key, or the stored fingerprint differs from the current content.
func (s *Store) IsNew(project, path string) (bool, error) {
	key, fp, _, err := fileIdentity(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load(project)
	rec, seen := records[key]
	if !seen {
		return true, nil
	}
	return rec.Fingerprint != fp, nil
}

// MarkSeen records the file at path as delivered for the given project.
// Called only after a successful delivery so a crash between send and mark
// re-delivers rather than loses.
func (s *Store) MarkSeen(project, path string) error {
	key, fp, size, err := fileIdentity(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load(project)
	records[key] = Record{
		Fingerprint: fp,
		ProcessedAt: time.Now().UTC(),
		Size:        size,
	}
	return s.save(project, records)
}

// Count returns the number of records held for a project.
func (s *Store) Count(project string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load(project))
}

func (s *Store) filePath(project string) string {
	return filepath.Join(s.dir, project+"_processed.json")
}

// load reads the project's record file. Missing or corrupt files yield an
// empty map so supervision can always make progress. Caller holds the lock.
func (s *Store) load(project string) map[string]Record {
	data, err := os.ReadFile(s.filePath(project))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("project", project).Msg("cannot read dedup records, treating as empty")
		}
		return make(map[string]Record)
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn().Err(err).Str("project", project).Msg("corrupt dedup records, treating as empty")
		return make(map[string]Record)
	}
	return records
}

// save rewrites the project's record file. Caller holds the lock.
func (s *Store) save(project string, records map[string]Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating dedup dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dedup records: %w", err)
	}
	if err := os.WriteFile(s.filePath(project), data, 0o644); err != nil {
		return fmt.Errorf("writing dedup records: %w", err)
	}
	return nil
}

// fileIdentity returns the (name, mtime) key, the content fingerprint and
// the size of the file at path.
func fileIdentity(path string) (key, fingerprint string, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("stat %s: %w", path, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(content)
	key = fmt.Sprintf("%s_%d", filepath.Base(path), info.ModTime().UnixNano())
	return key, hex.EncodeToString(sum[:]), info.Size(), nil
}
