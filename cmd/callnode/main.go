package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/docstore"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/reliability"
	eventbridge "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	printToken := flag.Bool("print-token", false, "print a control API token for the configured user and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		logger.New("info").Sugar().Warnw("could not load config, using defaults", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *printToken {
		token, err := authService.GenerateToken(domain.UserID(cfg.Call.UserID), domain.GroupID(cfg.Call.GroupID))
		if err != nil {
			log.Fatalw("failed to generate token", "error", err)
		}
		os.Stdout.WriteString(token + "\n")
		return
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := docstore.NewFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to open document store", "driver", cfg.Store.Driver, "error", err)
	}
	defer store.Close()

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, 2*time.Second)
	if cfg.Store.CircuitBreaker.Enabled {
		guarded := reliability.NewGuardedStore(store, cfg.Store.CircuitBreaker, log)
		health.AddCheck(monitoring.HealthCheck{
			Name:      "docstore_breaker",
			Check:     guarded.Check,
			Readiness: true,
		})
		store = guarded
	}

	var (
		registry *prometheus.Registry
		metrics  ports.CallMetrics = services.NewInMemoryMetrics()
	)
	if cfg.Monitoring.PrometheusEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitoring.NewPrometheusCollector(registry)
	}

	deps := services.SessionDeps{
		Store:   store,
		Metrics: metrics,
		Logger:  log,
	}
	backend := domain.MediaBackend(cfg.Call.MediaBackend)
	if backend != domain.MediaBackendPresenceOnly {
		capture, setup, err := newCapture(cfg, log)
		if err != nil {
			log.Fatalw("failed to set up media capture", "capture", cfg.Call.Capture, "error", err)
		}
		var opts []webrtcinfra.FactoryOption
		if setup != nil {
			opts = append(opts, webrtcinfra.WithMediaSetup(setup))
		}
		peers, err := webrtcinfra.NewFactory(webrtcConfig(cfg), log, opts...)
		if err != nil {
			log.Fatalw("failed to create peer connection factory", "error", err)
		}
		deps.Media = capture
		deps.Peers = peers
	}

	manager := services.NewCallManager(deps)
	sink := webrtcinfra.NewTrackSink(metrics, log)
	groupID := domain.GroupID(cfg.Call.GroupID)

	bridge := eventbridge.NewEventBridge(eventbridge.BridgeConfig{
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, func() (eventbridge.Controller, error) {
		session, err := manager.Get(groupID)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, log)
	calls := httphandlers.NewCallHandler(func() (*services.CallSession, error) {
		return manager.Get(groupID)
	}, sink, bridge)

	session, err := manager.Join(ctx, sessionConfig(cfg))
	if err != nil {
		log.Fatalw("failed to join call", "group_id", groupID, "error", err)
	}
	health.AddCallCheck(session.State)

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for e := range session.Events() {
			handleEvent(e, sink, log)
			bridge.Publish(e)
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:  cfg,
		Auth:    authService,
		Calls:   calls,
		Health:  health,
		Metrics: registry,
		Logger:  log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting meshcall node on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case <-session.Done():
		log.Info("call ended")
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Call.LeaveTimeout)
	defer cancel()
	manager.LeaveAll(leaveCtx)
	<-eventsDone
	bridge.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	sink.Wait()
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}
	log.Info("meshcall node stopped")
}

func handleEvent(e services.Event, sink *webrtcinfra.TrackSink, log *zap.SugaredLogger) {
	switch e.Type {
	case services.EventRemoteStream:
		sink.Consume(e.PeerID, e.Track, e.Receiver)
	case services.EventParticipantJoined:
		log.Infow("participant joined", "peer_id", e.Participant.ID, "display_name", e.Participant.DisplayName)
	case services.EventParticipantLeft:
		sink.Forget(e.PeerID)
		log.Infow("participant left", "peer_id", e.PeerID)
	case services.EventPeerState:
		log.Infow("peer state", "peer_id", e.PeerID, "state", e.PeerState)
	case services.EventConnectionState:
		log.Infow("call state", "state", e.State)
	case services.EventError:
		log.Warnw("call error", "peer_id", e.PeerID, "error", e.Err)
	}
}
