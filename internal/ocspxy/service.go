package ocspxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// Service is the Supervisor of spec.md §4.7: it owns the store, the
// Write Serializer, the Refresher, and hands out the HTTP Handler the
// accept loop in cmd/ocspxy uses. Grounded on devforth-wait0's Service
// (internal/wait0/service.go): construction opens the store and starts
// the background workers; Close joins them for shutdown.
type Service struct {
	cfg Config

	store   Store
	writer  *WriteSerializer
	fetcher *Fetcher
	live    *LiveConfig
	metrics *Metrics
	logger  *slog.Logger

	handler  *Handler
	refresher *Refresher
	cfgWatch *ConfigWatcher

	writerDone chan struct{}
}

// NewService constructs a Service and starts its background workers
// (Write Serializer consumer and Refresher). Callers must call Close to
// stop them.
func NewService(cfg Config, configPath string) (*Service, error) {
	level := slog.LevelInfo
	if cfg.Logging.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := NewLevelDBStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("ocspxy: opening store: %w", err)
	}

	metrics, err := NewMetrics()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ocspxy: init metrics: %w", err)
	}

	live := NewLiveConfig(cfg)
	fetcher := NewFetcher()
	writer := NewWriteSerializer(store, logger, metrics)

	cfgWatch, err := NewConfigWatcher(configPath, live, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ocspxy: config watcher: %w", err)
	}

	svc := &Service{
		cfg:        cfg,
		store:      store,
		writer:     writer,
		fetcher:    fetcher,
		live:       live,
		metrics:    metrics,
		logger:     logger,
		handler:    NewHandler(store, writer, fetcher, live, logger, metrics),
		refresher:  NewRefresher(store, writer, fetcher, live, logger, metrics),
		cfgWatch:   cfgWatch,
		writerDone: make(chan struct{}),
	}

	go func() {
		defer close(svc.writerDone)
		writer.Run()
	}()
	go svc.refresher.Run()

	return svc, nil
}

// Handler returns the http.Handler to serve client OCSP requests with.
func (s *Service) Handler() http.Handler { return s.handler }

// Logger returns the Service's structured logger, for the accept loop to
// share.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Close stops the Refresher and Write Serializer (joining both) and
// closes the store. Graceful drain of in-flight HTTP requests is the
// caller's responsibility (cmd/ocspxy uses http.Server.Shutdown for
// that), per spec.md §4.7's "graceful drain is not a requirement" for
// the Supervisor itself.
func (s *Service) Close() {
	s.cfgWatch.Stop()
	s.refresher.Stop()
	s.writer.Stop()
	<-s.writerDone
	_ = s.store.Close()
}
