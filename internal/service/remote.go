package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"yoto-remote/common/database"
	rediscommon "yoto-remote/common/redis"
	"yoto-remote/internal/auth"
	"yoto-remote/internal/config"
	"yoto-remote/internal/connection"
	"yoto-remote/internal/models"
	"yoto-remote/internal/notify"
	"yoto-remote/internal/protocol"
	"yoto-remote/internal/repository"
	"yoto-remote/internal/scheduler"
	"yoto-remote/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewTokenProvider picks the token source from config: refresh grant when a
// refresh token is set, otherwise the static access token. Nil if neither.
func NewTokenProvider(cfg *config.Config, logger *zap.Logger) auth.TokenProvider {
	switch {
	case cfg.Auth.RefreshToken != "":
		return auth.NewRefreshingProvider(auth.RefreshConfig{
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			RefreshToken: cfg.Auth.RefreshToken,
			AccessToken:  cfg.Auth.AccessToken,
			Skew:         cfg.Auth.Skew,
		}, logger)
	case cfg.Auth.AccessToken != "":
		return auth.NewStaticProvider(cfg.Auth.AccessToken, cfg.Auth.Skew)
	}
	return nil
}

// NewConnectionManager builds a manager from config. A nil dialer dials the
// configured MQTT broker.
func NewConnectionManager(cfg *config.Config, dial connection.Dialer, logger *zap.Logger) *connection.Manager {
	if dial == nil {
		dial = connection.NewMQTTDialer(&cfg.MQTT, logger)
	}
	codec := protocol.NewCodec(protocol.Options{SwapRedBlue: cfg.Connection.SwapRedBlue})
	return connection.NewManager(connection.Config{
		AuthorizerName: cfg.Connection.AuthorizerName,
		ClientIDPrefix: cfg.MQTT.ClientID,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		HealthInterval: cfg.Connection.HealthInterval,
		QoS:            cfg.MQTT.QoS,
		InboundBuffer:  cfg.Connection.InboundBuffer,
	}, dial, codec, logger)
}

// Backends the storage clients a service opened; Close releases them.
type Backends struct {
	Redis *redis.Client
	DB    *sql.DB
}

func (b *Backends) Close() {
	if b.Redis != nil {
		rediscommon.Close(b.Redis)
	}
	if b.DB != nil {
		database.Close(b.DB)
	}
}

// OpenScheduleRepository opens the configured schedule backend. The Redis client
// is also returned so telemetry can share it.
func OpenScheduleRepository(ctx context.Context, cfg *config.Config, needRedis bool) (repository.ScheduleRepository, *Backends, error) {
	b := &Backends{}

	if needRedis || cfg.Schedule.Store == config.StoreRedis {
		b.Redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, b.Redis); err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	switch cfg.Schedule.Store {
	case config.StorePostgres:
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.DB = db
		repo := repository.NewPostgresScheduleRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, nil, err
		}
		return repo, b, nil
	default:
		return repository.NewKVScheduleRepository(repository.NewRedisKV(b.Redis), cfg.Schedule.Key), b, nil
	}
}

// Option overrides a RemoteService dependency.
type Option func(*options)

type options struct {
	dialer   connection.Dialer
	provider auth.TokenProvider
	repo     repository.ScheduleRepository
	redis    *redis.Client
}

// WithDialer replaces the MQTT dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTokenProvider replaces the configured token source.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackends uses an existing repository and Redis client instead of opening
// them from config. redis may be nil when telemetry mirroring is off.
func WithBackends(repo repository.ScheduleRepository, redisClient *redis.Client) Option {
	return func(o *options) {
		o.repo = repo
		o.redis = redisClient
	}
}

// RemoteService runs device sessions, telemetry ingestion and the scheduler.
type RemoteService struct {
	config   *config.Config
	logger   *zap.Logger
	backends *Backends

	provider auth.TokenProvider
	manager  *connection.Manager
	ingestor *telemetry.Ingestor
	sink     *telemetry.StreamSink
	store    *ScheduleStore
	clock    *scheduler.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRemoteService wires every component from config.
func NewRemoteService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*RemoteService, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backends := &Backends{Redis: o.redis}
	repo := o.repo
	if repo == nil {
		var err error
		repo, backends, err = OpenScheduleRepository(ctx, cfg, cfg.Telemetry.Stream != "")
		if err != nil {
			return nil, err
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		backends.Close()
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider = NewTokenProvider(cfg, logger)
	}

	manager := NewConnectionManager(cfg, o.dialer, logger)
	ingestor := telemetry.NewIngestor(telemetry.NewHeuristicClassifier(), logger)
	manager.OnMessage(ingestor.HandleMessage)

	var sink *telemetry.StreamSink
	if cfg.Telemetry.Stream != "" && backends.Redis != nil {
		sink = telemetry.NewStreamSink(backends.Redis, cfg.Telemetry.Stream, cfg.Telemetry.StreamMaxLen, logger)
	}

	var notifier notify.Sink = notify.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, 10*time.Second, logger)}
	}

	store := NewScheduleStore(repo, logger)
	clock := scheduler.NewClock(scheduler.Config{
		Interval: cfg.Schedule.Interval,
		Location: loc,
	}, repo, manager, notifier, logger)

	return &RemoteService{
		config:   cfg,
		logger:   logger,
		backends: backends,
		provider: provider,
		manager:  manager,
		ingestor: ingestor,
		sink:     sink,
		store:    store,
		clock:    clock,
	}, nil
}

// Manager the connection manager.
func (s *RemoteService) Manager() *connection.Manager { return s.manager }

// Telemetry the telemetry ingestor.
func (s *RemoteService) Telemetry() *telemetry.Ingestor { return s.ingestor }

// Schedules the schedule store.
func (s *RemoteService) Schedules() *ScheduleStore { return s.store }

// Connect opens a session for deviceID with a token from the provider.
func (s *RemoteService) Connect(ctx context.Context, deviceID string) error {
	if s.provider == nil {
		return &connection.ConnectionError{Kind: connection.ConnectAuth, DeviceID: deviceID, Err: connection.ErrNoToken}
	}
	return s.manager.ConnectWithProvider(ctx, deviceID, s.provider)
}

// Publish sends cmd to deviceID.
func (s *RemoteService) Publish(ctx context.Context, deviceID string, cmd models.Command) error {
	return s.manager.Publish(ctx, deviceID, cmd)
}

// Start connects the configured devices and starts the background loops.
// Connect failures are logged; the scheduler still runs and falls back to
// notifications for devices that are not connected.
func (s *RemoteService) Start(ctx context.Context) error {
	s.logger.Info("Starting remote service components",
		zap.Strings("devices", s.config.DeviceIDs),
		zap.String("schedule_store", s.config.Schedule.Store),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	status, stopStatus := s.manager.Status(64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopStatus()
		s.watchStatus(runCtx, status)
	}()

	if s.sink != nil {
		telemetryCh, stopTelemetry := s.ingestor.Subscribe(256)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stopTelemetry()
			s.sink.Run(runCtx, telemetryCh)
		}()
	}

	for _, id := range s.config.DeviceIDs {
		if err := s.Connect(runCtx, id); err != nil {
			s.logger.Error("Failed to connect device",
				zap.String("device_id", id),
				zap.Bool("needs_reauth", connection.NeedsReauth(err)),
				zap.Error(err),
			)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.clock.Start(runCtx); err != nil {
			s.logger.Error("Scheduler clock exited", zap.Error(err))
		}
	}()

	s.logger.Info("Remote service started successfully")
	return nil
}

// watchStatus logs session transitions. Sessions never recover by themselves,
// so a lost session is reported with what the operator has to do.
func (s *RemoteService) watchStatus(ctx context.Context, status <-chan models.StatusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				return
			}
			fields := []zap.Field{
				zap.String("device_id", ev.DeviceID),
				zap.String("state", string(ev.State)),
			}
			switch ev.State {
			case models.StateOffline:
				s.logger.Warn("Device went offline; reconnect to resume", append(fields, zap.Error(ev.Err))...)
			case models.StateError:
				s.logger.Error("Device session failed; a new token is needed", append(fields, zap.Error(ev.Err))...)
			default:
				s.logger.Info("Device session state", fields...)
			}
		}
	}
}

// Stop stops the loops, closes every session and releases the backends.
func (s *RemoteService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping remote service")

	if s.cancel != nil {
		s.cancel()
	}
	s.manager.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for background loops")
	}

	s.ingestor.Close()
	s.backends.Close()

	s.logger.Info("Remote service stopped")
	return nil
}
