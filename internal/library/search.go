package library

import (
	"context"
	"strconv"
	"strings"

	"pkt.systems/bibd/api"
)

// DefaultSearchLimit caps a search page when the caller asks for no limit.
const DefaultSearchLimit = 50

// Search matches query against the library and returns one page of matches
// in citekey order plus the total match count. Terms are ANDed; a bare term
// matches across citekey, title, authors, venue, tags, and year, while
// "field:term" restricts a term to one field.
func (s *Store) Search(ctx context.Context, query string, limit, offset int) ([]api.Record, int, error) {
	terms := parseQuery(query)
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []api.Record
	for i := range s.records {
		if matchesAll(&s.records[i], terms) {
			matches = append(matches, s.records[i])
		}
	}
	total := len(matches)
	page := pageBounds(total, limit, offset)
	out := make([]api.Record, 0, page.hi-page.lo)
	for _, rec := range matches[page.lo:page.hi] {
		out = append(out, cloneRecord(rec))
	}
	return out, total, nil
}

// term is one parsed query component. An empty field means match anywhere.
type term struct {
	field string
	value string
}

// Fields accepted as "field:" qualifiers.
var searchFields = map[string]bool{
	"id":     true,
	"title":  true,
	"author": true,
	"venue":  true,
	"tag":    true,
	"year":   true,
	"type":   true,
	"doi":    true,
	"note":   true,
}

func parseQuery(query string) []term {
	var terms []term
	for _, raw := range strings.Fields(query) {
		field, value, ok := strings.Cut(raw, ":")
		if ok && searchFields[strings.ToLower(field)] {
			terms = append(terms, term{field: strings.ToLower(field), value: strings.ToLower(value)})
			continue
		}
		terms = append(terms, term{value: strings.ToLower(raw)})
	}
	return terms
}

func matchesAll(rec *api.Record, terms []term) bool {
	for _, t := range terms {
		if t.value == "" {
			continue
		}
		if !matchesTerm(rec, t) {
			return false
		}
	}
	return true
}

func matchesTerm(rec *api.Record, t term) bool {
	switch t.field {
	case "id":
		return contains(rec.ID, t.value)
	case "title":
		return contains(rec.Title, t.value)
	case "author":
		return containsAny(rec.Authors, t.value)
	case "venue":
		return contains(rec.Venue, t.value)
	case "tag":
		return containsAny(rec.Tags, t.value)
	case "year":
		return rec.Year > 0 && strconv.Itoa(rec.Year) == t.value
	case "type":
		return strings.EqualFold(rec.Type, t.value)
	case "doi":
		return contains(rec.DOI, t.value)
	case "note":
		return contains(rec.Note, t.value)
	}
	// Bare term: match across the human-facing fields.
	if contains(rec.ID, t.value) || contains(rec.Title, t.value) ||
		contains(rec.Venue, t.value) || containsAny(rec.Authors, t.value) ||
		containsAny(rec.Tags, t.value) {
		return true
	}
	return rec.Year > 0 && strconv.Itoa(rec.Year) == t.value
}

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

func containsAny(haystacks []string, needle string) bool {
	for _, h := range haystacks {
		if contains(h, needle) {
			return true
		}
	}
	return false
}
