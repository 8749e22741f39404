// Package library implements the bibd record store: one JSON document of
// bibliographic records loaded into memory and persisted atomically.
//
// Every mutating operation is durable before it returns, or has no effect
// at all. Mutations are prepared against a copy of the in-memory state,
// written to disk via temp-file+rename, and only swapped in after the
// rename succeeds, so neither a crash nor a failed disk leaves observable
// partial state.
package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/internal/pathutil"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/bibd/internal/uuidv7"
	"pkt.systems/pslog"
)

// DocumentVersion is the on-disk schema version written by this build.
const DocumentVersion = 1

// Sentinel errors surfaced through the library operations interface.
var (
	// ErrNotFound reports that no record matches the requested key.
	ErrNotFound = errors.New("library: record not found")
	// ErrDuplicateCitekey reports an insert with an already-used citekey.
	ErrDuplicateCitekey = errors.New("library: duplicate citekey")
	// ErrInvalidRecord reports a record failing validation.
	ErrInvalidRecord = errors.New("library: invalid record")
	// ErrPersistFailed reports a failed save. Once tripped, the store
	// refuses further mutations until a save succeeds, so unpersisted
	// state can never accumulate silently.
	ErrPersistFailed = errors.New("library: persistence failed")
)

// document is the on-disk shape of a library file.
type document struct {
	Version int          `json:"version"`
	Records []api.Record `json:"records"`
}

// Store holds one library document in memory. All operations serialize on
// an internal mutex: the background server funnels every request through a
// single Store, which gives mutations a total order by arrival.
type Store struct {
	mu      sync.Mutex
	path    string
	records []api.Record
	logger  pslog.Logger
	now     func() time.Time

	persistErr error // non-nil after a failed save until a save succeeds
}

// Option configures a Store.
type Option func(*Store)

// WithLogger supplies a logger for load/save diagnostics.
func WithLogger(l pslog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the library document at path. A missing file yields an empty
// library; the file is created on first save. A file that exists but does
// not parse is a hard error — user data is never silently discarded.
func Open(path string, opts ...Option) (*Store, error) {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("library: normalize path %q: %w", path, err)
	}
	s := &Store{
		path:   normalized,
		logger: pslog.NoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(s.logger, "library")

	data, err := os.ReadFile(normalized)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("library file absent, starting empty", "path", normalized)
			return s, nil
		}
		return nil, fmt.Errorf("library: read %s: %w", normalized, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("library: parse %s: %w", normalized, err)
	}
	if doc.Version > DocumentVersion {
		return nil, fmt.Errorf("library: %s has document version %d, this build understands up to %d", normalized, doc.Version, DocumentVersion)
	}
	s.records = doc.Records
	s.sortLocked()
	s.logger.Debug("library loaded", "path", normalized, "records", len(s.records))
	return s, nil
}

// Path returns the normalized library file path.
func (s *Store) Path() string {
	return s.path
}

// Len returns the record count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// PersistFailed reports whether the store is refusing mutations after a
// failed save.
func (s *Store) PersistFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistErr != nil
}

// Get returns the record whose citekey or UUID equals key.
func (s *Store) Get(ctx context.Context, key string) (*api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(key)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	rec := cloneRecord(s.records[idx])
	return &rec, nil
}

// List returns one page of records in citekey order plus the total count.
// limit <= 0 means no cap.
func (s *Store) List(ctx context.Context, limit, offset int) ([]api.Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.records)
	page := pageBounds(total, limit, offset)
	out := make([]api.Record, 0, page.hi-page.lo)
	for _, rec := range s.records[page.lo:page.hi] {
		out = append(out, cloneRecord(rec))
	}
	return out, total, nil
}

// Add inserts rec. An empty citekey is generated from the first author and
// year; an empty UUID, created/updated timestamps, and attachment IDs are
// filled in. The insert is durable before Add returns.
func (s *Store) Add(ctx context.Context, rec api.Record) (*api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rec.Title) == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidRecord)
	}
	rec.Type = normalizeType(rec.Type)
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = s.generateCitekeyLocked(rec)
	} else if s.indexOfLocked(rec.ID) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCitekey, rec.ID)
	}
	if rec.UUID == "" {
		rec.UUID = uuidv7.NewString()
	}
	stamp := s.now().UTC().Format(time.RFC3339)
	rec.CreatedAt = stamp
	rec.UpdatedAt = stamp
	for i := range rec.Attachments {
		if rec.Attachments[i].ID == "" {
			rec.Attachments[i].ID = xid.New().String()
		}
	}

	next := append(cloneRecords(s.records), rec)
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.records = next
	s.sortLocked()
	s.logger.Info("record added", "id", rec.ID)
	out := cloneRecord(rec)
	return &out, nil
}

// Update applies patch to the record named by key. The change is durable
// before Update returns.
func (s *Store) Update(ctx context.Context, key string, patch api.RecordPatch) (*api.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}
	idx := s.indexOfLocked(key)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	next := cloneRecords(s.records)
	applyPatch(&next[idx], patch)
	if strings.TrimSpace(next[idx].Title) == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidRecord)
	}
	next[idx].UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.records = next
	s.logger.Info("record updated", "id", next[idx].ID)
	out := cloneRecord(next[idx])
	return &out, nil
}

// Remove deletes the record named by key. The deletion is durable before
// Remove returns.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	idx := s.indexOfLocked(key)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	removed := s.records[idx].ID
	next := cloneRecords(s.records)
	next = append(next[:idx], next[idx+1:]...)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.records = next
	s.logger.Info("record removed", "id", removed)
	return nil
}

// Attach records path as an attachment of the record named by key. The
// file must exist; its size and digest are captured at attach time. bibd
// never copies or moves the file itself.
func (s *Store) Attach(ctx context.Context, key, path, name string) (*api.Attachment, error) {
	abs, err := pathutil.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment path %q: %v", ErrInvalidRecord, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment file %s: %v", ErrInvalidRecord, abs, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: attachment %s is a directory", ErrInvalidRecord, abs)
	}
	digest, err := fileSHA256(abs)
	if err != nil {
		return nil, fmt.Errorf("library: digest %s: %w", abs, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}
	idx := s.indexOfLocked(key)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	att := api.Attachment{
		ID:      xid.New().String(),
		Name:    name,
		Path:    abs,
		Size:    info.Size(),
		SHA256:  digest,
		AddedAt: s.now().UTC().Format(time.RFC3339),
	}
	next := cloneRecords(s.records)
	next[idx].Attachments = append(next[idx].Attachments, att)
	next[idx].UpdatedAt = att.AddedAt
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.records = next
	s.logger.Info("attachment added", "id", next[idx].ID, "attachment", att.ID, "path", abs)
	return &att, nil
}

// Detach removes the named attachment from the record named by key.
func (s *Store) Detach(ctx context.Context, key, attachmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	idx := s.indexOfLocked(key)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	next := cloneRecords(s.records)
	atts := next[idx].Attachments
	found := -1
	for i, att := range atts {
		if att.ID == attachmentID {
			found = i
			break
		}
	}
	if found < 0 {
		return fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
	}
	next[idx].Attachments = append(atts[:found:found], atts[found+1:]...)
	next[idx].UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

// Save writes the current in-memory state to disk. It is the recovery path
// after a persistence failure: a successful save clears the refusal latch.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(s.records)
}

// Reload replaces the in-memory state from disk. The running server calls
// this when an outside writer modified the library file underneath it.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.records = nil
			return nil
		}
		return fmt.Errorf("library: reload %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("library: reload parse %s: %w", s.path, err)
	}
	s.records = doc.Records
	s.sortLocked()
	s.logger.Info("library reloaded", "records", len(s.records))
	return nil
}

// mutableLocked gates mutations behind the persistence-failure latch.
func (s *Store) mutableLocked() error {
	if s.persistErr != nil {
		return fmt.Errorf("%w: refusing mutation after earlier save failure: %v", ErrPersistFailed, s.persistErr)
	}
	return nil
}

// persistLocked writes records to the library file atomically. On failure
// the latch trips and the caller must not apply the in-memory change.
func (s *Store) persistLocked(records []api.Record) error {
	doc := document{Version: DocumentVersion, Records: records}
	if err := s.writeDocument(doc); err != nil {
		s.persistErr = err
		s.logger.Error("library save failed", "path", s.path, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if s.persistErr != nil {
		s.logger.Info("library save recovered", "path", s.path)
	}
	s.persistErr = nil
	return nil
}

func (s *Store) writeDocument(doc document) error {
	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].ID < doc.Records[j].ID })
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bibd-lib-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) indexOfLocked(key string) int {
	key = strings.TrimSpace(key)
	if key == "" {
		return -1
	}
	for i := range s.records {
		if s.records[i].ID == key || (s.records[i].UUID != "" && s.records[i].UUID == key) {
			return i
		}
	}
	return -1
}

func (s *Store) sortLocked() {
	sort.Slice(s.records, func(i, j int) bool { return s.records[i].ID < s.records[j].ID })
}

// generateCitekeyLocked derives a citekey from the first author's family
// name and the year, with an alphabetic suffix on collision (knuth1984,
// knuth1984a, ...).
func (s *Store) generateCitekeyLocked(rec api.Record) string {
	base := "ref"
	if len(rec.Authors) > 0 {
		if fam := familyName(rec.Authors[0]); fam != "" {
			base = strings.ToLower(onlyLetters(fam))
		}
	}
	if rec.Year > 0 {
		base = fmt.Sprintf("%s%d", base, rec.Year)
	}
	if s.indexOfLocked(base) < 0 {
		return base
	}
	for suffix := 'a'; suffix <= 'z'; suffix++ {
		candidate := base + string(suffix)
		if s.indexOfLocked(candidate) < 0 {
			return candidate
		}
	}
	return base + "-" + xid.New().String()
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "misc"
	}
	return t
}

// familyName extracts the family name from "Family, Given" or
// "Given Family" author forms.
func familyName(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if comma := strings.IndexByte(author, ','); comma >= 0 {
		return strings.TrimSpace(author[:comma])
	}
	fields := strings.Fields(author)
	return fields[len(fields)-1]
}

func onlyLetters(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func applyPatch(rec *api.Record, patch api.RecordPatch) {
	if patch.Type != nil {
		rec.Type = normalizeType(*patch.Type)
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Authors != nil {
		rec.Authors = append([]string(nil), (*patch.Authors)...)
	}
	if patch.Year != nil {
		rec.Year = *patch.Year
	}
	if patch.Venue != nil {
		rec.Venue = *patch.Venue
	}
	if patch.Volume != nil {
		rec.Volume = *patch.Volume
	}
	if patch.Number != nil {
		rec.Number = *patch.Number
	}
	if patch.Pages != nil {
		rec.Pages = *patch.Pages
	}
	if patch.Publisher != nil {
		rec.Publisher = *patch.Publisher
	}
	if patch.DOI != nil {
		rec.DOI = *patch.DOI
	}
	if patch.URL != nil {
		rec.URL = *patch.URL
	}
	if patch.Abstract != nil {
		rec.Abstract = *patch.Abstract
	}
	if patch.Tags != nil {
		rec.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Note != nil {
		rec.Note = *patch.Note
	}
	if len(patch.Extra) > 0 {
		if rec.Extra == nil {
			rec.Extra = make(map[string]string, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			if v == "" {
				delete(rec.Extra, k)
				continue
			}
			rec.Extra[k] = v
		}
		if len(rec.Extra) == 0 {
			rec.Extra = nil
		}
	}
}

type bounds struct{ lo, hi int }

func pageBounds(total, limit, offset int) bounds {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	hi := total
	if limit > 0 && offset+limit < total {
		hi = offset + limit
	}
	return bounds{lo: offset, hi: hi}
}

func cloneRecord(rec api.Record) api.Record {
	out := rec
	out.Authors = append([]string(nil), rec.Authors...)
	out.Tags = append([]string(nil), rec.Tags...)
	out.Attachments = append([]api.Attachment(nil), rec.Attachments...)
	if rec.Extra != nil {
		out.Extra = make(map[string]string, len(rec.Extra))
		for k, v := range rec.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func cloneRecords(records []api.Record) []api.Record {
	out := make([]api.Record, len(records))
	for i := range records {
		out[i] = cloneRecord(records[i])
	}
	return out
}
