// Package checkpoint persists the intermediate state of Phase 1: every
// fetched document together with its computed embedding. The store is
// the restart point for the pipeline — ids present here are skipped on
// the next run.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

const (
	entriesFile  = "embeddings.gob"
	metadataFile = "metadata.gob"

	currentVersion = 1
)

// Author is the cached projection of one author.
type Author struct {
	AuthorID             string
	AuthorPosition       string
	AuthorName           string
	AuthorEmail          string
	AuthorAvailableNames []string
	AuthorAffiliation    string
	HasMatchedProfile    bool
}

// Entry holds a fetched document with its computed embedding. An entry
// exists iff embedding generation succeeded for the document.
type Entry struct {
	MongoID         primitive.ObjectID
	DocumentEID     string
	Title           string
	Abstract        string
	Authors         []Author
	PublicationYear int
	FieldAssociated string
	DocumentType    string
	SubjectArea     []string
	CitationCount   int
	ReferenceCount  int
	Embedding       []float32
	ProcessedAt     time.Time
}

// NewEntry projects an authoritative record plus its embedding into a
// checkpoint entry.
func NewEntry(doc models.Document, embedding []float32) Entry {
	authors := make([]Author, len(doc.Authors))
	for i, a := range doc.Authors {
		authors[i] = Author{
			AuthorID:             a.AuthorID,
			AuthorPosition:       a.AuthorPosition,
			AuthorName:           a.AuthorName,
			AuthorEmail:          a.AuthorEmail,
			AuthorAvailableNames: a.AuthorAvailableNames,
			AuthorAffiliation:    a.AuthorAffiliation,
			HasMatchedProfile:    a.HasMatchedProfile(),
		}
	}
	return Entry{
		MongoID:         doc.ID,
		DocumentEID:     doc.DocumentEID,
		Title:           doc.Title,
		Abstract:        doc.Abstract,
		Authors:         authors,
		PublicationYear: doc.PublicationYear,
		FieldAssociated: doc.FieldAssociated,
		DocumentType:    doc.DocumentType,
		SubjectArea:     doc.SubjectArea,
		CitationCount:   doc.CitationCount,
		ReferenceCount:  doc.ReferenceCount,
		Embedding:       embedding,
	}
}

// Metadata describes the cache state across runs.
type Metadata struct {
	Version      int
	CreatedAt    time.Time
	LastModified time.Time
	TotalDocs    int64
	ProcessedAt  time.Time
	ReindexAll   bool
}

// Stats summarizes the on-disk and in-memory state for status output.
type Stats struct {
	Entries       int
	EntriesBytes  int64
	MetadataBytes int64
	Metadata      Metadata
}

// Store is the on-disk checkpoint. A writer mutex serializes appends
// and saves; readers take the shared lock.
type Store struct {
	dir    string
	logger observability.Logger

	mu           sync.RWMutex
	metadata     Metadata
	entries      []Entry
	processedIDs map[string]struct{}
}

// NewStore creates the cache directory if needed. No files are read
// until Load.
func NewStore(dir string, logger observability.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache dir")
	}
	return &Store{
		dir:          dir,
		logger:       logger,
		entries:      make([]Entry, 0),
		processedIDs: make(map[string]struct{}),
	}, nil
}

func (s *Store) entriesPath() string  { return filepath.Join(s.dir, entriesFile) }
func (s *Store) metadataPath() string { return filepath.Join(s.dir, metadataFile) }

// Load reads the checkpoint from disk. A missing, half-written, or
// version-mismatched checkpoint starts fresh with a warning; only
// unexpected I/O failures are returned as errors.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	meta, err := os.Open(s.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening metadata")
	}
	defer func() { _ = meta.Close() }()

	if err := gob.NewDecoder(meta).Decode(&s.metadata); err != nil {
		s.logger.Warn("Checkpoint metadata unreadable, starting fresh", map[string]interface{}{
			"path":  s.metadataPath(),
			"error": err.Error(),
		})
		s.reset()
		return nil
	}

	if s.metadata.Version != currentVersion {
		s.logger.Warn("Checkpoint version mismatch, starting fresh", map[string]interface{}{
			"found":    s.metadata.Version,
			"expected": currentVersion,
		})
		s.reset()
		return nil
	}

	data, err := os.Open(s.entriesPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.reset()
			return nil
		}
		return errors.Wrap(err, "opening entries")
	}
	defer func() { _ = data.Close() }()

	if err := gob.NewDecoder(data).Decode(&s.entries); err != nil {
		s.logger.Warn("Checkpoint entries unreadable, starting fresh", map[string]interface{}{
			"path":  s.entriesPath(),
			"error": err.Error(),
		})
		s.reset()
		return nil
	}

	s.processedIDs = make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		s.processedIDs[e.MongoID.Hex()] = struct{}{}
	}
	return nil
}

func (s *Store) reset() {
	s.metadata = Metadata{}
	s.entries = s.entries[:0]
	s.processedIDs = make(map[string]struct{})
}

// Save writes both blobs atomically (temp file then rename). A save in
// progress always runs to completion.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata.Version = currentVersion
	s.metadata.LastModified = time.Now()

	if err := writeGob(s.dir, s.entriesPath(), s.entries); err != nil {
		return errors.Wrap(err, "saving entries")
	}
	if err := writeGob(s.dir, s.metadataPath(), s.metadata); err != nil {
		return errors.Wrap(err, "saving metadata")
	}
	return nil
}

func writeGob(dir, path string, v interface{}) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// AddEntry appends one entry and marks its id processed.
func (s *Store) AddEntry(entry Entry) {
	s.AddEntries([]Entry{entry})
}

// AddEntries appends entries. The processed-id set is updated under the
// same lock, so IsProcessed observes the new ids as soon as any caller
// can observe the entries.
func (s *Store) AddEntries(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := range entries {
		entries[i].ProcessedAt = now
		s.processedIDs[entries[i].MongoID.Hex()] = struct{}{}
	}
	s.entries = append(s.entries, entries...)
}

// IsProcessed reports whether the hex id already has a cached entry.
func (s *Store) IsProcessed(mongoID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processedIDs[mongoID]
	return ok
}

// GetEntries returns a copy of all cached entries.
func (s *Store) GetEntries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Count returns the number of cached entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SetMetadata records the run parameters.
func (s *Store) SetMetadata(totalDocs int64, reindexAll bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metadata.CreatedAt.IsZero() {
		s.metadata.CreatedAt = time.Now()
	}
	s.metadata.TotalDocs = totalDocs
	s.metadata.ReindexAll = reindexAll
	s.metadata.ProcessedAt = time.Now()
}

// GetMetadata returns the current metadata.
func (s *Store) GetMetadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Clear drops in-memory state and removes both files.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	if err := os.Remove(s.entriesPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing entries file")
	}
	if err := os.Remove(s.metadataPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing metadata file")
	}
	return nil
}

// Exists reports whether an entries blob is on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.entriesPath())
	return err == nil
}

// Stats reports entry count, file sizes, and metadata.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	st := Stats{Entries: len(s.entries), Metadata: s.metadata}
	s.mu.RUnlock()

	if info, err := os.Stat(s.entriesPath()); err == nil {
		st.EntriesBytes = info.Size()
	} else if !os.IsNotExist(err) {
		return st, errors.Wrap(err, "stating entries file")
	}
	if info, err := os.Stat(s.metadataPath()); err == nil {
		st.MetadataBytes = info.Size()
	} else if !os.IsNotExist(err) {
		return st, errors.Wrap(err, "stating metadata file")
	}
	return st, nil
}
