// Package api defines the JSON types exchanged between bibd clients and the
// background server. The same record shape is used on disk, in memory, and
// on the wire.
package api

// Record is one bibliographic reference. The yaml tags serve the CLI's
// YAML export and keep key names identical across both encodings.
type Record struct {
	// ID is the citation key, unique within a library (e.g. "knuth1984").
	ID string `json:"id" yaml:"id"`
	// UUID is a stable time-ordered identity independent of the citekey.
	UUID string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	// Type is the entry type (article, book, inproceedings, techreport,
	// thesis, misc, ...).
	Type string `json:"type" yaml:"type"`
	// Title is the work's title.
	Title string `json:"title" yaml:"title"`
	// Authors lists authors in "Family, Given" form, in order.
	Authors []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	// Year is the publication year.
	Year int `json:"year,omitempty" yaml:"year,omitempty"`
	// Venue names the journal or proceedings the work appeared in.
	Venue string `json:"venue,omitempty" yaml:"venue,omitempty"`
	// Volume is the journal volume.
	Volume string `json:"volume,omitempty" yaml:"volume,omitempty"`
	// Number is the journal issue number.
	Number string `json:"number,omitempty" yaml:"number,omitempty"`
	// Pages is the page range (e.g. "97-111").
	Pages string `json:"pages,omitempty" yaml:"pages,omitempty"`
	// Publisher names the publisher.
	Publisher string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	// DOI is the digital object identifier.
	DOI string `json:"doi,omitempty" yaml:"doi,omitempty"`
	// URL points at the work online.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Abstract is the work's abstract text.
	Abstract string `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	// Tags are free-form labels used for search and grouping.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Note holds the user's free-form note for this record.
	Note string `json:"note,omitempty" yaml:"note,omitempty"`
	// Attachments tracks files associated with this record.
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	// Extra carries fields outside the fixed schema (bibtex passthrough).
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	// CreatedAt is the record creation time in RFC3339.
	CreatedAt string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	// UpdatedAt is the last mutation time in RFC3339.
	UpdatedAt string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Attachment is bookkeeping for one file associated with a record. bibd
// records the path and a digest; it does not copy or manage file contents.
type Attachment struct {
	// ID is a short unique attachment identifier.
	ID string `json:"id" yaml:"id"`
	// Name is the attachment's display name (defaults to the base name).
	Name string `json:"name" yaml:"name"`
	// Path is the absolute path of the attached file.
	Path string `json:"path" yaml:"path"`
	// Size is the file size in bytes at attach time.
	Size int64 `json:"size" yaml:"size"`
	// SHA256 is the file digest at attach time, hex encoded.
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	// AddedAt is the attach time in RFC3339.
	AddedAt string `json:"added_at,omitempty" yaml:"added_at,omitempty"`
}

// RecordPatch is a partial update. Nil fields are left untouched; empty
// non-nil values clear the field.
type RecordPatch struct {
	// Type replaces the entry type when set.
	Type *string `json:"type,omitempty"`
	// Title replaces the title when set.
	Title *string `json:"title,omitempty"`
	// Authors replaces the author list when set.
	Authors *[]string `json:"authors,omitempty"`
	// Year replaces the publication year when set.
	Year *int `json:"year,omitempty"`
	// Venue replaces the venue when set.
	Venue *string `json:"venue,omitempty"`
	// Volume replaces the volume when set.
	Volume *string `json:"volume,omitempty"`
	// Number replaces the issue number when set.
	Number *string `json:"number,omitempty"`
	// Pages replaces the page range when set.
	Pages *string `json:"pages,omitempty"`
	// Publisher replaces the publisher when set.
	Publisher *string `json:"publisher,omitempty"`
	// DOI replaces the DOI when set.
	DOI *string `json:"doi,omitempty"`
	// URL replaces the URL when set.
	URL *string `json:"url,omitempty"`
	// Abstract replaces the abstract when set.
	Abstract *string `json:"abstract,omitempty"`
	// Tags replaces the tag list when set.
	Tags *[]string `json:"tags,omitempty"`
	// Note replaces the note when set.
	Note *string `json:"note,omitempty"`
	// Extra merges into the extra-field map; an empty value deletes the key.
	Extra map[string]string `json:"extra,omitempty"`
}

// GetRequest looks a record up by citekey or UUID.
type GetRequest struct {
	// Key is a citekey or UUID.
	Key string `json:"key"`
}

// ListRequest pages through all records in citekey order.
type ListRequest struct {
	// Limit caps the number of returned records (0 means server default).
	Limit int `json:"limit,omitempty"`
	// Offset skips that many records from the start of the ordering.
	Offset int `json:"offset,omitempty"`
}

// ListResponse carries one page of records.
type ListResponse struct {
	// Records is the requested page.
	Records []Record `json:"records"`
	// Total is the library's record count before paging.
	Total int `json:"total"`
}

// SearchRequest is a paginated query over the library.
type SearchRequest struct {
	// Query is the search expression: bare terms match across citekey,
	// title, authors, venue, tags, and year; "field:term" qualifies a
	// single field.
	Query string `json:"query"`
	// Limit caps the number of returned records (0 means server default).
	Limit int `json:"limit,omitempty"`
	// Offset skips that many matches from the start of the ordering.
	Offset int `json:"offset,omitempty"`
}

// SearchResponse carries one page of matches.
type SearchResponse struct {
	// Records is the requested page of matches.
	Records []Record `json:"records"`
	// Total is the full match count before paging.
	Total int `json:"total"`
	// Limit echoes the effective page size.
	Limit int `json:"limit"`
	// Offset echoes the effective offset.
	Offset int `json:"offset"`
}

// AddRequest inserts a new record.
type AddRequest struct {
	// Record is the record to insert. A missing ID is auto-generated from
	// the first author and year.
	Record Record `json:"record"`
}

// UpdateRequest applies a partial update to one record.
type UpdateRequest struct {
	// Key is a citekey or UUID naming the record.
	Key string `json:"key"`
	// Patch carries the fields to change.
	Patch RecordPatch `json:"patch"`
}

// RemoveRequest deletes one record.
type RemoveRequest struct {
	// Key is a citekey or UUID naming the record.
	Key string `json:"key"`
}

// RemoveResponse acknowledges a remove.
type RemoveResponse struct {
	// Removed reports whether a record was deleted.
	Removed bool `json:"removed"`
}

// SaveResponse acknowledges an explicit persist.
type SaveResponse struct {
	// Saved reports whether the library was written to disk.
	Saved bool `json:"saved"`
}

// Citation styles understood by cite and format operations.
const (
	StylePlain  = "plain"
	StyleAPA    = "apa"
	StyleBibTeX = "bibtex"
)

// CiteRequest renders citations for the named records.
type CiteRequest struct {
	// Keys lists citekeys or UUIDs to cite.
	Keys []string `json:"keys"`
	// Style selects the citation style (plain, apa, bibtex).
	Style string `json:"style,omitempty"`
}

// Citation is one rendered citation.
type Citation struct {
	// Key is the citekey the text was rendered for.
	Key string `json:"key"`
	// Text is the rendered citation.
	Text string `json:"text"`
}

// CiteResponse carries rendered citations in request order.
type CiteResponse struct {
	// Citations holds one entry per requested key.
	Citations []Citation `json:"citations"`
}

// FormatRequest renders a one-line-per-record listing. An empty key list
// formats the whole library.
type FormatRequest struct {
	// Keys limits the listing to the named records when non-empty.
	Keys []string `json:"keys,omitempty"`
	// Style selects the listing style (plain, apa, bibtex).
	Style string `json:"style,omitempty"`
}

// FormatResponse carries the rendered listing.
type FormatResponse struct {
	// Lines holds one rendered entry per record.
	Lines []string `json:"lines"`
}

// AttachRequest associates a file with a record.
type AttachRequest struct {
	// Key is a citekey or UUID naming the record.
	Key string `json:"key"`
	// Path is the file to attach; it must exist on the server's host.
	Path string `json:"path"`
	// Name overrides the attachment display name.
	Name string `json:"name,omitempty"`
}

// DetachRequest removes an attachment from a record.
type DetachRequest struct {
	// Key is a citekey or UUID naming the record.
	Key string `json:"key"`
	// AttachmentID names the attachment to remove.
	AttachmentID string `json:"attachment_id"`
}

// DetachResponse acknowledges a detach.
type DetachResponse struct {
	// Detached reports whether an attachment was removed.
	Detached bool `json:"detached"`
}

// StatusResponse describes a running server.
type StatusResponse struct {
	// PID is the server's process id.
	PID int `json:"pid"`
	// Port is the loopback port the server listens on.
	Port int `json:"port"`
	// Library is the absolute path of the held library file.
	Library string `json:"library"`
	// StartedAt is the server start time in RFC3339.
	StartedAt string `json:"started_at"`
	// Records is the current record count.
	Records int `json:"records"`
	// Version is the bibd build version.
	Version string `json:"version"`
	// UptimeSeconds is the elapsed time since start, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// PersistFailed reports whether the server is refusing mutations
	// after a failed save.
	PersistFailed bool `json:"persist_failed,omitempty"`
}

// Stable error identifiers carried in ErrorResponse.ErrorCode.
const (
	ErrCodeNotFound         = "not_found"
	ErrCodeDuplicateCitekey = "duplicate_citekey"
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodePersistFailed    = "persistence_failed"
	ErrCodeInternal         = "internal_error"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable bibd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
