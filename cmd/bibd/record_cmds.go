package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	bibd "pkt.systems/bibd"
	"pkt.systems/bibd/api"
)

// recordFlags mirrors the editable record fields as CLI flags, shared by
// add and update.
type recordFlags struct {
	citekey   string
	entryType string
	title     string
	authors   []string
	year      int
	venue     string
	volume    string
	number    string
	pages     string
	publisher string
	doi       string
	url       string
	abstract  string
	tags      []string
	note      string
}

func (rf *recordFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&rf.citekey, "citekey", "", "citation key (default: generated from first author and year)")
	flags.StringVar(&rf.entryType, "type", "", "entry type (article, book, inproceedings, ...)")
	flags.StringVar(&rf.title, "title", "", "title")
	flags.StringArrayVar(&rf.authors, "author", nil, "author in \"Family, Given\" form (repeatable)")
	flags.IntVar(&rf.year, "year", 0, "publication year")
	flags.StringVar(&rf.venue, "venue", "", "journal or proceedings")
	flags.StringVar(&rf.volume, "volume", "", "journal volume")
	flags.StringVar(&rf.number, "number", "", "issue number")
	flags.StringVar(&rf.pages, "pages", "", "page range (e.g. 558-565)")
	flags.StringVar(&rf.publisher, "publisher", "", "publisher")
	flags.StringVar(&rf.doi, "doi", "", "digital object identifier")
	flags.StringVar(&rf.url, "url", "", "URL")
	flags.StringVar(&rf.abstract, "abstract", "", "abstract text")
	flags.StringArrayVar(&rf.tags, "tag", nil, "free-form tag (repeatable)")
	flags.StringVar(&rf.note, "note", "", "free-form note")
}

func (rf *recordFlags) record() api.Record {
	return api.Record{
		ID:        rf.citekey,
		Type:      rf.entryType,
		Title:     rf.title,
		Authors:   rf.authors,
		Year:      rf.year,
		Venue:     rf.venue,
		Volume:    rf.volume,
		Number:    rf.number,
		Pages:     rf.pages,
		Publisher: rf.publisher,
		DOI:       rf.doi,
		URL:       rf.url,
		Abstract:  rf.abstract,
		Tags:      rf.tags,
		Note:      rf.note,
	}
}

// patch converts only the flags the user actually set, so an update
// never clobbers fields that were not mentioned.
func (rf *recordFlags) patch(flags *pflag.FlagSet) api.RecordPatch {
	var p api.RecordPatch
	if flags.Changed("type") {
		p.Type = &rf.entryType
	}
	if flags.Changed("title") {
		p.Title = &rf.title
	}
	if flags.Changed("author") {
		p.Authors = &rf.authors
	}
	if flags.Changed("year") {
		p.Year = &rf.year
	}
	if flags.Changed("venue") {
		p.Venue = &rf.venue
	}
	if flags.Changed("volume") {
		p.Volume = &rf.volume
	}
	if flags.Changed("number") {
		p.Number = &rf.number
	}
	if flags.Changed("pages") {
		p.Pages = &rf.pages
	}
	if flags.Changed("publisher") {
		p.Publisher = &rf.publisher
	}
	if flags.Changed("doi") {
		p.DOI = &rf.doi
	}
	if flags.Changed("url") {
		p.URL = &rf.url
	}
	if flags.Changed("abstract") {
		p.Abstract = &rf.abstract
	}
	if flags.Changed("tag") {
		p.Tags = &rf.tags
	}
	if flags.Changed("note") {
		p.Note = &rf.note
	}
	return p
}

func newAddCommand(state *rootState) *cobra.Command {
	var rf recordFlags
	var fromJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a reference to the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := rf.record()
			if fromJSON != "" {
				loaded, err := readRecordJSON(fromJSON)
				if err != nil {
					return err
				}
				rec = *loaded
			}
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			added, err := ec.Library.Add(cmd.Context(), rec)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(added)
			}
			fmt.Printf("added %s\n", added.ID)
			return nil
		},
	}
	rf.register(cmd.Flags())
	cmd.Flags().StringVar(&fromJSON, "from-json", "", "read the full record from a JSON file ('-' for stdin)")
	return cmd
}

func newGetCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Show one reference by citekey or UUID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			rec, err := ec.Library.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(rec)
			}
			printRecord(rec)
			return nil
		},
	}
	return cmd
}

func newListCommand(state *rootState) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List references in citekey order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			records, total, err := ec.Library.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(api.ListResponse{Records: records, Total: total})
			}
			for _, rec := range records {
				fmt.Println(recordLine(&rec))
			}
			if len(records) < total {
				fmt.Printf("(%d of %d)\n", len(records), total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to print (0 = all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

func newSearchCommand(state *rootState) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "search TERM...",
		Short: "Search the library",
		Long: `Search the library. Bare terms match citekey, title, authors, venue,
tags, and year; field:term restricts a term to one field
(id, title, author, venue, tag, year, type, doi, note). Terms are ANDed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			records, total, err := ec.Library.Search(cmd.Context(), strings.Join(args, " "), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(api.SearchResponse{Records: records, Total: total, Limit: limit, Offset: offset})
			}
			for _, rec := range records {
				fmt.Println(recordLine(&rec))
			}
			if len(records) < total {
				fmt.Printf("(%d of %d matches)\n", len(records), total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum matches to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "matches to skip")
	return cmd
}

func newCiteCommand(state *rootState) *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "cite KEY...",
		Short: "Render citations for the named references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			citations, err := ec.Library.Cite(cmd.Context(), args, style)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(api.CiteResponse{Citations: citations})
			}
			for _, c := range citations {
				fmt.Println(c.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", api.StylePlain, "citation style (plain|apa|bibtex)")
	return cmd
}

func newExportCommand(state *rootState) *cobra.Command {
	var style string
	var format string
	cmd := &cobra.Command{
		Use:   "export [KEY...]",
		Short: "Export references, whole library by default",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "", "text", "yaml":
			default:
				return fmt.Errorf("unknown export format %q (text|yaml)", format)
			}
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			if format == "yaml" {
				records, err := exportRecords(cmd.Context(), ec.Library, args)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(records)
				if err != nil {
					return fmt.Errorf("encode YAML: %w", err)
				}
				fmt.Print(string(out))
				return nil
			}
			lines, err := ec.Library.FormattedList(cmd.Context(), args, style)
			if err != nil {
				return err
			}
			for i, line := range lines {
				if i > 0 && style == api.StyleBibTeX {
					fmt.Println()
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", api.StyleBibTeX, "export style (plain|apa|bibtex)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text renders --style lines, yaml dumps full records")
	return cmd
}

// exportRecords resolves the export set: the named keys, or every record
// when none are given.
func exportRecords(ctx context.Context, lib bibd.Library, keys []string) ([]api.Record, error) {
	if len(keys) == 0 {
		records, _, err := lib.List(ctx, 0, 0)
		return records, err
	}
	records := make([]api.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := lib.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func newUpdateCommand(state *rootState) *cobra.Command {
	var rf recordFlags
	cmd := &cobra.Command{
		Use:   "update KEY",
		Short: "Change fields of a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := rf.patch(cmd.Flags())
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			updated, err := ec.Library.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(updated)
			}
			fmt.Printf("updated %s\n", updated.ID)
			return nil
		},
	}
	rf.register(cmd.Flags())
	// citekey changes would break references elsewhere, keep the flag out
	// of update.
	_ = cmd.Flags().MarkHidden("citekey")
	return cmd
}

func newRemoveCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm KEY",
		Aliases: []string{"remove"},
		Short:   "Delete a reference",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			if err := ec.Library.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newAttachCommand(state *rootState) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "attach KEY FILE",
		Short: "Associate a file with a reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			att, err := ec.Library.Attach(cmd.Context(), args[0], args[1], name)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(att)
			}
			fmt.Printf("attached %s (%s, %s)\n", att.Name, att.ID, humanize.IBytes(uint64(att.Size)))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: file base name)")
	return cmd
}

func newDetachCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detach KEY ATTACHMENT_ID",
		Short: "Remove an attachment from a reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ec, err := executionContext(cmd, state)
			if err != nil {
				return err
			}
			if err := ec.Library.Detach(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("detached %s\n", args[1])
			return nil
		},
	}
	return cmd
}

func readRecordJSON(path string) (*api.Record, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = readAllStdin()
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read record JSON: %w", err)
	}
	var rec api.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record JSON: %w", err)
	}
	return &rec, nil
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// recordLine is the one-line ls/search rendering:
// "citekey  authors (year) title [tags]".
func recordLine(rec *api.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s", rec.ID)
	if len(rec.Authors) > 0 {
		b.WriteString(" ")
		b.WriteString(shortAuthors(rec.Authors))
	}
	if rec.Year > 0 {
		fmt.Fprintf(&b, " (%d)", rec.Year)
	}
	b.WriteString(" ")
	b.WriteString(rec.Title)
	if len(rec.Tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(rec.Tags, ", "))
	}
	return b.String()
}

func shortAuthors(authors []string) string {
	family := func(a string) string {
		if comma := strings.IndexByte(a, ','); comma >= 0 {
			return strings.TrimSpace(a[:comma])
		}
		fields := strings.Fields(a)
		if len(fields) == 0 {
			return a
		}
		return fields[len(fields)-1]
	}
	switch len(authors) {
	case 1:
		return family(authors[0])
	case 2:
		return family(authors[0]) + " & " + family(authors[1])
	default:
		return family(authors[0]) + " et al."
	}
}

func printRecord(rec *api.Record) {
	fmt.Printf("%s (%s)\n", rec.ID, rec.Type)
	fmt.Printf("  title:     %s\n", rec.Title)
	if len(rec.Authors) > 0 {
		fmt.Printf("  authors:   %s\n", strings.Join(rec.Authors, "; "))
	}
	if rec.Year > 0 {
		fmt.Printf("  year:      %d\n", rec.Year)
	}
	if rec.Venue != "" {
		fmt.Printf("  venue:     %s\n", rec.Venue)
	}
	if rec.Volume != "" || rec.Number != "" || rec.Pages != "" {
		fmt.Printf("  where:     vol %s no %s pp %s\n", orDash(rec.Volume), orDash(rec.Number), orDash(rec.Pages))
	}
	if rec.Publisher != "" {
		fmt.Printf("  publisher: %s\n", rec.Publisher)
	}
	if rec.DOI != "" {
		fmt.Printf("  doi:       %s\n", rec.DOI)
	}
	if rec.URL != "" {
		fmt.Printf("  url:       %s\n", rec.URL)
	}
	if len(rec.Tags) > 0 {
		fmt.Printf("  tags:      %s\n", strings.Join(rec.Tags, ", "))
	}
	if rec.Note != "" {
		fmt.Printf("  note:      %s\n", rec.Note)
	}
	for _, att := range rec.Attachments {
		fmt.Printf("  file:      %s  %s (%s) %s\n", att.ID, att.Name, humanize.IBytes(uint64(att.Size)), att.Path)
	}
	if rec.UUID != "" {
		fmt.Printf("  uuid:      %s\n", rec.UUID)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
