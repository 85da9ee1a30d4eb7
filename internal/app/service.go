package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/config"
	"snooze/internal/housekeeping"
	"snooze/internal/ingest"
	"snooze/internal/kv"
	"snooze/internal/logging"
	"snooze/internal/metrics"
	"snooze/internal/modification"
	"snooze/internal/notifyqueue"
	"snooze/internal/pipeline"
	"snooze/internal/state"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable snooze service.
type Service struct {
	source      config.ConfigSource
	cfgMu       sync.Mutex
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	metrics     *metrics.Registry
	backend     state.Backend
	dict        kv.Dictionary
	producer    notifyqueue.Producer
	decisions   <-chan notifyqueue.Decision
	manager     *Manager
	housekeeper *housekeeping.Housekeeper
	httpSrv     *http.Server
	natsSub     io.Closer
	changes     io.Closer
	readyFlag   atomic.Bool
	clock       clock.Clock
}

// NewService builds service instance from config source and applies its definitions.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	condition.SetLogger(logger)
	modification.SetLogger(logger)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	steps := []func() error{
		service.buildStore,
		service.buildDictionary,
		service.buildNotifyQueue,
		service.buildManager,
		service.buildHousekeeper,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
		service.buildChangeConsumer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Handler exposes the HTTP API router.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Close releases resources of a service that was built but never run.
func (s *Service) Close() error {
	return s.shutdown()
}

// Manager exposes the pipeline manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Run starts service lifecycle and blocks until ctx is done, a signal arrives or a component fails.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	s.cfgMu.Lock()
	cfg := s.cfg
	s.cfgMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("http server starting", "listen", cfg.Service.HTTP.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.readyFlag.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if cfg.Service.ReloadEnabled {
		group.Go(func() error {
			s.reloadLoop(groupCtx, time.Duration(cfg.Service.ReloadIntervalSec)*time.Second)
			return nil
		})
	}
	if s.housekeeper != nil {
		group.Go(func() error {
			return s.housekeeper.Run(groupCtx)
		})
	}
	if s.decisions != nil {
		group.Go(func() error {
			s.drainDecisions(groupCtx)
			return nil
		})
	}

	s.readyFlag.Store(true)
	s.logger.Info("service started", "name", cfg.Service.Name, "mode", cfg.Service.Mode, "stages", s.manager.Stages())

	runErr := group.Wait()
	closeErr := s.shutdown()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// reloadLoop periodically re-reads the config source.
func (s *Service) reloadLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reloadConfig(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reload failed", "error", err.Error())
			}
		}
	}
}

// drainDecisions logs in-memory notification decisions until ctx is done.
func (s *Service) drainDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case decision, ok := <-s.decisions:
			if !ok {
				return
			}
			s.logger.Info("notification decision",
				"id", decision.ID,
				"notification", decision.Notification,
				"hash", decision.Hash,
				"severity", decision.Severity,
				"actions", decision.Actions,
			)
		}
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
	}
	if s.changes != nil {
		markErr("change consumer", s.changes.Close())
	}
	if s.producer != nil {
		markErr("notify queue producer", s.producer.Close())
	}
	if s.dict != nil {
		markErr("kv dictionary", s.dict.Close())
	}
	if s.backend != nil {
		markErr("store", s.backend.Close())
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.changes != nil {
		_ = s.changes.Close()
		s.changes = nil
	}
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.dict != nil {
		_ = s.dict.Close()
		s.dict = nil
	}
	if s.backend != nil {
		_ = s.backend.Close()
		s.backend = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates the store backend selected by service.mode.
func (s *Service) buildStore() error {
	if isSingleMode(s.cfg) {
		s.backend = state.NewMemoryStore(s.clock)
		return nil
	}
	store, err := state.NewNATSStore(s.cfg.Store.NATS, s.clock)
	if err != nil {
		return err
	}
	s.backend = store
	return nil
}

// buildDictionary creates the KV_SET dictionary backend and seeds static entries.
// Params: none.
// Returns: connection or seed error.
func (s *Service) buildDictionary() error {
	var dict kv.Dictionary
	switch s.cfg.KV.Backend {
	case config.KVBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.KV.Redis.Addr,
			Password: s.cfg.KV.Redis.Password,
			DB:       s.cfg.KV.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", s.cfg.KV.Redis.Addr, err)
		}
		dict = kv.NewRedisDictionary(client, s.cfg.KV.Redis.Prefix)
	default:
		dict = kv.NewMemoryDictionary()
	}
	if s.cfg.KV.CacheTTLSec > 0 {
		dict = kv.NewCached(dict, time.Duration(s.cfg.KV.CacheTTLSec)*time.Second)
	}
	s.dict = dict
	return s.seedDictionary(context.Background(), s.cfg)
}

// seedDictionary writes config [kv.dict] entries into the dictionary.
func (s *Service) seedDictionary(ctx context.Context, cfg config.Config) error {
	for name, entries := range cfg.KV.Dict {
		if err := s.dict.Put(ctx, name, entries); err != nil {
			return fmt.Errorf("seed dictionary %s: %w", name, err)
		}
	}
	return nil
}

// buildNotifyQueue creates the notification decision producer.
func (s *Service) buildNotifyQueue() error {
	if s.cfg.Notify.Queue.Backend == config.QueueBackendNATS {
		producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
		if err != nil {
			return err
		}
		s.producer = producer
		return nil
	}
	producer := notifyqueue.NewMemoryProducer(s.cfg.Notify.Queue.Capacity)
	s.producer = producer
	s.decisions = producer.Decisions()
	return nil
}

// buildManager builds the pipeline and stores config definitions.
func (s *Service) buildManager() error {
	manager, err := NewManager(s.backend, s.dict, s.producer, s.cfg.Pipeline.Stages, s.logger, s.metrics, s.clock)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.ApplyConfig(ctx, s.cfg); err != nil {
		return err
	}
	s.manager = manager
	return nil
}

func (s *Service) buildHousekeeper() error {
	if !s.cfg.Housekeeping.IsEnabled() {
		return nil
	}
	housekeeper, err := housekeeping.New(s.backend, s.cfg.Housekeeping, logging.Component(s.logger, "housekeeping"), s.metrics, s.clock)
	if err != nil {
		return err
	}
	s.housekeeper = housekeeper
	return nil
}

// buildHTTPServer wires router with ingest, admin and probe endpoints.
func (s *Service) buildHTTPServer() error {
	var ingestHandler http.Handler
	if s.cfg.Ingest.HTTP.Enabled {
		ingestHandler = ingest.NewHTTPHandler(s.manager, s.cfg.Service.HTTP.MaxBodyBytes, s.readyFlag.Load, s.clock, logging.Component(s.logger, "ingest"))
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Service.HTTP.Listen,
		Handler:           newRouter(s.manager, ingestHandler, s.metrics, s.readyFlag.Load, logging.Component(s.logger, "api")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.clock, logging.Component(s.logger, "ingest"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildChangeConsumer reloads stages when another instance changes their definitions.
func (s *Service) buildChangeConsumer() error {
	store, ok := s.backend.(*state.NATSStore)
	if !ok {
		return nil
	}
	consumer, err := store.WatchCollections(definitionCollections, func(ctx context.Context, collection, key string, deleted bool) error {
		if err := s.manager.Reload(ctx, collection); err != nil {
			if errors.Is(err, pipeline.ErrUnknownStage) {
				return nil
			}
			s.logger.Error("definition change reload failed", "collection", collection, "key", key, "deleted", deleted, "error", err.Error())
			return err
		}
		s.logger.Debug("definitions reloaded", "collection", collection, "key", key, "deleted", deleted)
		return nil
	})
	if err != nil {
		return err
	}
	s.changes = consumer
	return nil
}

// reloadConfig re-reads the config source and applies definitions and dictionaries.
// Params: context for store operations.
// Returns: reload or apply error; runtime topology changes are rejected.
func (s *Service) reloadConfig(ctx context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if isSingleMode(nextCfg) != isSingleMode(s.cfg) {
		return fmt.Errorf("service.mode change requires restart")
	}
	if !sameStages(nextCfg.Pipeline.Stages, s.cfg.Pipeline.Stages) {
		return fmt.Errorf("pipeline.stages change requires restart")
	}
	if err := s.seedDictionary(ctx, nextCfg); err != nil {
		return err
	}
	if err := s.manager.ApplyConfig(ctx, nextCfg); err != nil {
		return err
	}
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func sameStages(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
