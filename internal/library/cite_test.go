package library_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/internal/library"
)

func seedCiteLibrary(t *testing.T) *library.Store {
	t.Helper()
	s := openStore(t)
	mustAdd(t, s, api.Record{
		ID: "lamport78", Type: "article",
		Title:   "Time, Clocks, and the Ordering of Events in a Distributed System",
		Authors: []string{"Lamport, Leslie"}, Year: 1978,
		Venue: "Communications of the ACM", Volume: "21", Number: "7", Pages: "558-565",
		DOI: "10.1145/359545.359563",
	})
	mustAdd(t, s, api.Record{
		ID: "sigops", Type: "misc", Title: "An Untitled Note",
	})
	return s
}

func TestCitePlain(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	cites, err := s.Cite(context.Background(), []string{"lamport78"}, api.StylePlain)
	if err != nil {
		t.Fatalf("cite: %v", err)
	}
	want := "Lamport, Leslie (1978). Time, Clocks, and the Ordering of Events in a Distributed System. Communications of the ACM."
	if cites[0].Text != want {
		t.Fatalf("plain citation:\n got %q\nwant %q", cites[0].Text, want)
	}
}

func TestCiteAPA(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	cites, err := s.Cite(context.Background(), []string{"lamport78"}, api.StyleAPA)
	if err != nil {
		t.Fatalf("cite: %v", err)
	}
	text := cites[0].Text
	for _, fragment := range []string{
		"Lamport, L. (1978).",
		"Communications of the ACM, 21(7), 558-565.",
		"https://doi.org/10.1145/359545.359563",
	} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("apa citation %q missing %q", text, fragment)
		}
	}
}

func TestCiteBibTeX(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	cites, err := s.Cite(context.Background(), []string{"lamport78"}, api.StyleBibTeX)
	if err != nil {
		t.Fatalf("cite: %v", err)
	}
	text := cites[0].Text
	for _, fragment := range []string{
		"@article{lamport78,",
		"author = {Lamport, Leslie},",
		"year = {1978},",
		"journal = {Communications of the ACM},",
		"pages = {558-565},",
	} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("bibtex entry %q missing %q", text, fragment)
		}
	}
	if !strings.HasSuffix(text, "}") {
		t.Fatalf("bibtex entry not closed: %q", text)
	}
}

func TestCiteDefaultStyleIsPlain(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	def, err := s.Cite(context.Background(), []string{"lamport78"}, "")
	if err != nil {
		t.Fatalf("cite default: %v", err)
	}
	plain, err := s.Cite(context.Background(), []string{"lamport78"}, api.StylePlain)
	if err != nil {
		t.Fatalf("cite plain: %v", err)
	}
	if def[0].Text != plain[0].Text {
		t.Fatal("default style must render as plain")
	}
}

func TestCiteUnknownKeyAndStyle(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	if _, err := s.Cite(context.Background(), []string{"nope"}, api.StylePlain); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Cite(context.Background(), []string{"lamport78"}, "chicago"); !errors.Is(err, library.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for unknown style, got %v", err)
	}
}

func TestCiteNoAuthors(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	cites, err := s.Cite(context.Background(), []string{"sigops"}, api.StylePlain)
	if err != nil {
		t.Fatalf("cite: %v", err)
	}
	if !strings.HasPrefix(cites[0].Text, "Anonymous. ") {
		t.Fatalf("authorless citation %q", cites[0].Text)
	}
}

func TestFormattedListWholeLibrary(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	lines, err := s.FormattedList(context.Background(), nil, api.StylePlain)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected one line per record, got %d", len(lines))
	}
	// Citekey order: lamport78 before sigops.
	if !strings.Contains(lines[0], "Lamport") {
		t.Fatalf("unexpected ordering: %v", lines)
	}
}

func TestFormattedListSelectedKeys(t *testing.T) {
	t.Parallel()

	s := seedCiteLibrary(t)
	lines, err := s.FormattedList(context.Background(), []string{"sigops"}, api.StylePlain)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "An Untitled Note") {
		t.Fatalf("unexpected lines %v", lines)
	}
}
