package easel

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/easel/canvas"
	"pkt.systems/easel/core"
	"pkt.systems/easel/httpapi"
	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/internal/persist"
	"pkt.systems/easel/internal/transport"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Server composes the conversation store, canvas synchronizer and HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP   httpapi.Config
	Agent  transport.Config
	Sync   core.SyncOptions
	Canvas CanvasConfig
}

// CanvasConfig selects the persisted canvas document.
type CanvasConfig struct {
	StateDir string
	Document string
	Viewport schema.Rect
}

// ServerDeps captures dependencies required to build the server. Nil fields
// are built from ServerConfig.
type ServerDeps struct {
	Transport core.Transport
	Document  canvas.Document
	Logger    pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// New constructs a composable easel server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	bus := eventbus.New(logger)
	doc := deps.Document
	var fileDoc *canvas.FileDocument
	if doc == nil {
		if cfg.Canvas.StateDir == "" {
			doc = canvas.NewMemory(canvas.Options{Viewport: cfg.Canvas.Viewport, Bus: bus, Logger: logger})
		} else {
			store, err := persist.NewStoreWithLogger(cfg.Canvas.StateDir, logger)
			if err != nil {
				return nil, err
			}
			ctx := pslog.ContextWithLogger(context.Background(), logger)
			opened, err := canvas.OpenFile(ctx, store, cfg.Canvas.Document, canvas.Options{
				Viewport: cfg.Canvas.Viewport,
				Bus:      bus,
				Logger:   logger,
			})
			if err != nil {
				return nil, err
			}
			fileDoc = opened
			doc = opened
		}
	}

	tr := deps.Transport
	if tr == nil {
		if cfg.Agent.URL == "" {
			return nil, schema.ErrTransportUnavailable
		}
		tr = transport.NewHTTP(cfg.Agent, nil)
	}

	store := core.NewStore(tr, core.StoreDeps{Bus: bus, Clock: cfg.Sync.Clock, Logger: logger})
	syncOpts := cfg.Sync
	if syncOpts.Logger == nil {
		syncOpts.Logger = logger
	}
	synchronizer := core.NewSynchronizer(doc, store, syncOpts)
	store.SetCanvasSink(synchronizer)

	var hub *httpapi.Hub
	var httpSrv *httpapi.Server
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HubHistory, logger)
		httpSrv = httpapi.NewServer(cfg.HTTP, store, synchronizer, doc, hub)
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		bus:     bus,
		doc:     doc,
		fileDoc: fileDoc,
		store:   store,
		sync:    synchronizer,
		hub:     hub,
		httpSrv: httpSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	bus     *eventbus.Bus
	doc     canvas.Document
	fileDoc *canvas.FileDocument
	store   *core.Store
	sync    *core.Synchronizer
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"agent_url", s.cfg.Agent.URL,
		"canvas_state_dir", s.cfg.Canvas.StateDir,
	)
	group.Go(func() error {
		if err := s.sync.Run(gctx); err != nil {
			log.Error("sync failed", "err", err)
			return err
		}
		return nil
	})
	if s.hub != nil {
		fanout := eventFanout{source: s.store, bus: s.bus, sinks: []eventSink{s.hub}}
		detach := s.sync.Observe(s.hub.OnSync)
		group.Go(func() error {
			defer detach()
			return fanout.Run(gctx)
		})
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		group.Go(func() error {
			if err := httpapi.ListenAndServe(gctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				return err
			}
			return nil
		})
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	if err != nil {
		s.logger.Error("server stopped", "err", err)
		_ = s.Stop(context.Background())
	}
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info("server stop requested")
	if err := s.store.Close(ctx); err != nil {
		log.Warn("server store close failed", "err", err)
	}
	if cancel != nil {
		cancel()
	}
	s.sync.Flush(pslog.ContextWithLogger(context.Background(), log))
	if s.fileDoc != nil {
		if err := s.fileDoc.Flush(ctx); err != nil {
			log.Warn("server canvas flush failed", "err", err)
		}
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
