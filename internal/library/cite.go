package library

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/bibd/api"
)

// Cite renders one citation per key in request order. Unknown keys and
// unknown styles are errors; no partial result is returned.
func (s *Store) Cite(ctx context.Context, keys []string, style string) ([]api.Citation, error) {
	render, err := renderer(style)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Citation, 0, len(keys))
	for _, key := range keys {
		idx := s.indexOfLocked(key)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		out = append(out, api.Citation{Key: s.records[idx].ID, Text: render(&s.records[idx])})
	}
	return out, nil
}

// FormattedList renders one line per record in citekey order. An empty key
// list formats the whole library.
func (s *Store) FormattedList(ctx context.Context, keys []string, style string) ([]string, error) {
	render, err := renderer(style)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	if len(keys) == 0 {
		for i := range s.records {
			lines = append(lines, render(&s.records[i]))
		}
		return lines, nil
	}
	for _, key := range keys {
		idx := s.indexOfLocked(key)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		lines = append(lines, render(&s.records[idx]))
	}
	return lines, nil
}

type renderFunc func(*api.Record) string

func renderer(style string) (renderFunc, error) {
	switch strings.ToLower(strings.TrimSpace(style)) {
	case "", api.StylePlain:
		return renderPlain, nil
	case api.StyleAPA:
		return renderAPA, nil
	case api.StyleBibTeX:
		return renderBibTeX, nil
	default:
		return nil, fmt.Errorf("%w: unknown citation style %q", ErrInvalidRecord, style)
	}
}

// renderPlain produces "Authors (Year). Title. Venue."
func renderPlain(rec *api.Record) string {
	var b strings.Builder
	if len(rec.Authors) > 0 {
		b.WriteString(joinAuthors(rec.Authors))
	} else {
		b.WriteString("Anonymous")
	}
	if rec.Year > 0 {
		fmt.Fprintf(&b, " (%d)", rec.Year)
	}
	b.WriteString(". ")
	b.WriteString(strings.TrimSuffix(rec.Title, "."))
	b.WriteString(".")
	if rec.Venue != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSuffix(rec.Venue, "."))
		b.WriteString(".")
	}
	return b.String()
}

// renderAPA approximates APA 7 reference-list style.
func renderAPA(rec *api.Record) string {
	var b strings.Builder
	if len(rec.Authors) > 0 {
		b.WriteString(apaAuthors(rec.Authors))
	} else {
		b.WriteString("Anonymous")
	}
	if rec.Year > 0 {
		fmt.Fprintf(&b, " (%d).", rec.Year)
	} else {
		b.WriteString(" (n.d.).")
	}
	b.WriteString(" ")
	b.WriteString(strings.TrimSuffix(rec.Title, "."))
	b.WriteString(".")
	if rec.Venue != "" {
		b.WriteString(" ")
		b.WriteString(rec.Venue)
		if rec.Volume != "" {
			b.WriteString(", ")
			b.WriteString(rec.Volume)
			if rec.Number != "" {
				fmt.Fprintf(&b, "(%s)", rec.Number)
			}
		}
		if rec.Pages != "" {
			b.WriteString(", ")
			b.WriteString(rec.Pages)
		}
		b.WriteString(".")
	}
	if rec.DOI != "" {
		b.WriteString(" https://doi.org/")
		b.WriteString(rec.DOI)
	} else if rec.URL != "" {
		b.WriteString(" ")
		b.WriteString(rec.URL)
	}
	return b.String()
}

// renderBibTeX produces a complete BibTeX entry.
func renderBibTeX(rec *api.Record) string {
	entryType := rec.Type
	if entryType == "" {
		entryType = "misc"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "@%s{%s,\n", entryType, rec.ID)
	writeBibField(&b, "title", rec.Title)
	if len(rec.Authors) > 0 {
		writeBibField(&b, "author", strings.Join(rec.Authors, " and "))
	}
	if rec.Year > 0 {
		writeBibField(&b, "year", fmt.Sprintf("%d", rec.Year))
	}
	switch entryType {
	case "article":
		writeBibField(&b, "journal", rec.Venue)
	case "inproceedings", "incollection":
		writeBibField(&b, "booktitle", rec.Venue)
	default:
		writeBibField(&b, "howpublished", rec.Venue)
	}
	writeBibField(&b, "volume", rec.Volume)
	writeBibField(&b, "number", rec.Number)
	writeBibField(&b, "pages", rec.Pages)
	writeBibField(&b, "publisher", rec.Publisher)
	writeBibField(&b, "doi", rec.DOI)
	writeBibField(&b, "url", rec.URL)
	writeBibField(&b, "note", rec.Note)
	extraKeys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		writeBibField(&b, k, rec.Extra[k])
	}
	b.WriteString("}")
	return b.String()
}

func writeBibField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s = {%s},\n", key, value)
}

// joinAuthors renders "A", "A and B", or "A et al." for plain style.
func joinAuthors(authors []string) string {
	switch len(authors) {
	case 1:
		return authors[0]
	case 2:
		return authors[0] + " and " + authors[1]
	default:
		return authors[0] + " et al."
	}
}

// apaAuthors renders "Family, G., & Family, G." abbreviating given names.
func apaAuthors(authors []string) string {
	parts := make([]string, 0, len(authors))
	for _, a := range authors {
		parts = append(parts, apaAuthor(a))
	}
	switch len(parts) {
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", & " + parts[len(parts)-1]
	}
}

func apaAuthor(author string) string {
	family := familyName(author)
	given := ""
	if comma := strings.IndexByte(author, ','); comma >= 0 {
		given = strings.TrimSpace(author[comma+1:])
	} else if fields := strings.Fields(author); len(fields) > 1 {
		given = strings.Join(fields[:len(fields)-1], " ")
	}
	if given == "" {
		return family
	}
	var initials []string
	for _, part := range strings.Fields(given) {
		r := []rune(part)
		initials = append(initials, strings.ToUpper(string(r[0]))+".")
	}
	return family + ", " + strings.Join(initials, " ")
}
