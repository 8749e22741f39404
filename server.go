package bibd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/bibd/internal/detect"
	"pkt.systems/bibd/internal/httpapi"
	"pkt.systems/bibd/internal/library"
	"pkt.systems/bibd/internal/portfile"
	"pkt.systems/bibd/internal/proc"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/bibd/internal/version"
	"pkt.systems/pslog"
)

// ErrAlreadyRunning reports that a live server already holds the
// configured library. Starting a second one would split the library's
// single writer, so it is refused outright.
var ErrAlreadyRunning = errors.New("bibd: a server already holds this library")

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 200 * time.Millisecond

// Server is a bibd background server: it loads one library, serves it on
// a loopback port, and advertises itself through a portfile next to the
// library file.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	store   *library.Store
	handler *httpapi.Handler
	httpSrv *http.Server
	pf      *portfile.Store
	prober  proc.Prober
	now     func() time.Time

	listener   net.Listener
	metricsLn  net.Listener
	metricsSrv *http.Server

	readyOnce sync.Once
	readyCh   chan struct{}

	mu        sync.Mutex
	idleTimer *time.Timer
	shutdown  bool

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}

	serveErrMu sync.Mutex
	serveErr   error
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger pslog.Logger
	prober proc.Prober
	now    func() time.Time
	direct DirectLoader
}

// WithLogger supplies the server logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithProber overrides the process liveness prober (tests).
func WithProber(p proc.Prober) Option {
	return func(o *serverOptions) { o.prober = p }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.now = now }
}

// WithDirectLoader overrides how local mode opens the library file (tests).
func WithDirectLoader(load DirectLoader) Option {
	return func(o *serverOptions) { o.direct = load }
}

func resolveOptions(opts []Option) serverOptions {
	o := serverOptions{
		logger: pslog.NoopLogger(),
		prober: proc.System{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewServer validates cfg, loads the library, and prepares a server. It
// does not listen yet; call Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	logger := svcfields.WithSubsystem(o.logger, "server")

	if err := cfg.EnsureLibraryDir(); err != nil {
		return nil, fmt.Errorf("bibd: create library directory: %w", err)
	}
	store, err := library.Open(cfg.Library, library.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		pf:      portfile.New(cfg.PortfilePath()),
		prober:  o.prober,
		now:     o.now,
		readyCh: make(chan struct{}),
	}

	handlerOpts := []httpapi.Option{
		httpapi.WithLogger(o.logger),
		httpapi.WithVersion(version.Current()),
		httpapi.WithActivityHook(s.touchActivity),
	}
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		handlerOpts = append(handlerOpts, httpapi.WithMetrics(httpapi.NewMetrics(reg)))
		s.metricsSrv = &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
	}
	s.handler = httpapi.New(store, handlerOpts...)
	s.httpSrv = &http.Server{Handler: s.handler}
	return s, nil
}

// Store exposes the underlying library store for embedding and tests.
func (s *Server) Store() *library.Store {
	return s.store
}

// Start binds the loopback listener, publishes the portfile, and blocks
// serving requests until Shutdown. If a live server already holds the
// library, Start fails with ErrAlreadyRunning and leaves that server and
// its portfile alone.
func (s *Server) Start() error {
	detector := detect.New(s.pf, s.prober, s.logger)
	if desc, err := detector.Detect(context.Background(), s.cfg.Library); err != nil {
		return fmt.Errorf("bibd: check for running server: %w", err)
	} else if desc != nil {
		return fmt.Errorf("%w (pid %d at %s)", ErrAlreadyRunning, desc.PID, desc.BaseURL)
	}

	if !isLoopback(s.cfg.Listen) {
		return fmt.Errorf("bibd: refusing non-loopback listen address %q", s.cfg.Listen)
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bibd: listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.handler.SetPort(port)

	rec := portfile.Record{
		Port:      port,
		PID:       os.Getpid(),
		Library:   s.cfg.Library,
		StartedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.pf.Write(rec); err != nil {
		_ = ln.Close()
		return fmt.Errorf("bibd: publish portfile: %w", err)
	}

	if s.cfg.WatchLibrary {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn("library watch unavailable", "error", err)
		}
	}
	s.startMetrics()
	s.armIdleTimer()
	s.signalReady()
	s.logger.Info("serving library",
		"library", s.cfg.Library, "port", port, "pid", rec.PID,
		"idle_timeout", s.cfg.IdleTimeout)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("bibd: http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops serving, tears the watcher down, and removes the
// portfile. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bibd: http shutdown: %w", err)
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		<-s.watcherDone
		s.watcher = nil
	}
	if err := s.pf.Remove(); err != nil {
		s.logger.Warn("portfile cleanup failed", "error", err)
	}
	s.logger.Info("server stopped", "library", s.cfg.Library)
	if err := s.lastServeErr(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the server down with a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// WaitUntilReady blocks until the listener is up and the portfile is
// published, or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the bound loopback port once the server is ready.
func (s *Server) Port() int {
	if l := s.listener; l != nil {
		return l.Addr().(*net.TCPAddr).Port
	}
	return 0
}

// BaseURL returns the server endpoint once the server is ready.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *Server) recordServeErr(err error) {
	s.serveErrMu.Lock()
	defer s.serveErrMu.Unlock()
	if s.serveErr == nil {
		s.serveErr = err
	}
}

func (s *Server) lastServeErr() error {
	s.serveErrMu.Lock()
	defer s.serveErrMu.Unlock()
	return s.serveErr
}

// touchActivity resets the idle shutdown timer. Registered as the
// handler's activity hook, so every request counts.
func (s *Server) touchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
}

func (s *Server) armIdleTimer() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.logger.Info("idle timeout reached, shutting down", "idle_timeout", s.cfg.IdleTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
}

func (s *Server) startMetrics() {
	if s.metricsSrv == nil {
		return
	}
	ln, err := net.Listen("tcp", s.metricsSrv.Addr)
	if err != nil {
		s.logger.Warn("metrics listener unavailable", "address", s.metricsSrv.Addr, "error", err)
		s.metricsSrv = nil
		return
	}
	s.metricsLn = ln
	s.logger.Info("metrics listening", "address", ln.Addr().String())
	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics serve failed", "error", err)
		}
	}()
}

// startWatcher reloads the in-memory state when an outside writer replaces
// the library file. The watch covers the directory because saves replace
// the file by rename, which drops a watch on the file itself.
func (s *Server) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.cfg.Library)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	s.watcherDone = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *Server) watchLoop() {
	defer close(s.watcherDone)
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.cfg.Library {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if err := s.store.Reload(context.Background()); err != nil {
					s.logger.Warn("library reload failed", "error", err)
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("library watch error", "error", err)
		}
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// StartServer runs a server in the background and returns it along with a
// stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancelReady := context.WithTimeout(waitCtx, DefaultStartTimeout)
	defer cancelReady()
	select {
	case err := <-errCh:
		// Start failed before signalling readiness.
		if err == nil {
			err = errors.New("bibd: server exited before becoming ready")
		}
		return nil, nil, err
	case <-readyCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, readyCtx.Err()
	case <-srv.readyCh:
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
