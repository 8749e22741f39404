package bibd

import (
	"context"
	"fmt"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/client"
	"pkt.systems/bibd/internal/detect"
	"pkt.systems/bibd/internal/library"
	"pkt.systems/bibd/internal/portfile"
	"pkt.systems/bibd/internal/svcfields"
)

// Library is the operations surface shared by the in-process store and the
// remote client. Commands are written against this interface and never
// know which side of the portfile they ended up on.
type Library interface {
	Get(ctx context.Context, key string) (*api.Record, error)
	List(ctx context.Context, limit, offset int) ([]api.Record, int, error)
	Search(ctx context.Context, query string, limit, offset int) ([]api.Record, int, error)
	Add(ctx context.Context, rec api.Record) (*api.Record, error)
	Update(ctx context.Context, key string, patch api.RecordPatch) (*api.Record, error)
	Remove(ctx context.Context, key string) error
	Save(ctx context.Context) error
	Cite(ctx context.Context, keys []string, style string) ([]api.Citation, error)
	FormattedList(ctx context.Context, keys []string, style string) ([]string, error)
	Attach(ctx context.Context, key, path, name string) (*api.Attachment, error)
	Detach(ctx context.Context, key, attachmentID string) error
}

// DirectLoader opens the library file for local-mode access. The factory
// calls it only when detection finds no live server; a detection hit must
// never load the file into this process.
type DirectLoader func(ctx context.Context, cfg Config) (Library, error)

// Mode says how an ExecutionContext reaches the library.
type Mode string

const (
	// ModeLocal means the library file was opened directly in-process.
	ModeLocal Mode = "local"
	// ModeServer means operations are routed to a running background
	// server over loopback HTTP.
	ModeServer Mode = "server"
)

// ExecutionContext is the resolved access path for one command
// invocation: either a direct in-process store or a client for a detected
// server. It is transient and must not outlive the invocation.
type ExecutionContext struct {
	// Mode reports which access path was chosen.
	Mode Mode
	// Library executes operations through the chosen path.
	Library Library
	// BaseURL is the server endpoint in server mode, empty in local mode.
	BaseURL string
	// ServerPID is the detected server's pid in server mode, zero
	// otherwise.
	ServerPID int
}

// NewExecutionContext decides how a command reaches the library named by
// cfg. Detection runs first; when it finds a live server the library file
// is never opened in this process, so a healthy server is always the
// single writer. Only when no server is found is the file loaded
// directly.
func NewExecutionContext(ctx context.Context, cfg Config, opts ...Option) (*ExecutionContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	logger := svcfields.WithSubsystem(o.logger, "context")

	detector := detect.New(portfile.New(cfg.PortfilePath()), o.prober, o.logger)
	desc, err := detector.Detect(ctx, cfg.Library)
	if err != nil {
		return nil, fmt.Errorf("bibd: server detection: %w", err)
	}
	if desc != nil {
		logger.Debug("routing to running server", "base_url", desc.BaseURL, "pid", desc.PID)
		return &ExecutionContext{
			Mode:      ModeServer,
			Library:   client.New(desc.BaseURL, client.WithLogger(o.logger)),
			BaseURL:   desc.BaseURL,
			ServerPID: desc.PID,
		}, nil
	}

	logger.Debug("no server found, opening library directly", "library", cfg.Library)
	load := o.direct
	if load == nil {
		load = defaultDirectLoader(o)
	}
	lib, err := load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ExecutionContext{
		Mode:    ModeLocal,
		Library: lib,
	}, nil
}

func defaultDirectLoader(o serverOptions) DirectLoader {
	return func(_ context.Context, cfg Config) (Library, error) {
		if err := cfg.EnsureLibraryDir(); err != nil {
			return nil, fmt.Errorf("bibd: create library directory: %w", err)
		}
		return library.Open(cfg.Library, library.WithLogger(o.logger))
	}
}
