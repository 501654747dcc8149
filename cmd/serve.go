// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LeeDigitalWorks/zapload/pkg/api"
	"github.com/LeeDigitalWorks/zapload/pkg/debug"
	"github.com/LeeDigitalWorks/zapload/pkg/events"
	"github.com/LeeDigitalWorks/zapload/pkg/lock"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/metastore"
	"github.com/LeeDigitalWorks/zapload/pkg/storage"
	"github.com/LeeDigitalWorks/zapload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// ServeOpts holds all configuration for the upload server
type ServeOpts struct {
	// Network binding
	BindAddr    string
	HTTPPort    int
	DebugPort   int
	ConnTimeout time.Duration

	// HTTP surface
	BasePath         string // collection path, or an absolute URL behind a proxy
	FormPath         string
	RespectForwarded bool
	UserHeader       string

	// Storage
	Backend  string // id of the [backends.<id>] section to serve
	Backends []BackendOpts

	// Session policy
	MaxUploadSize int64
	AllowedTypes  []string
	Naming        string
	Expiration    storage.Expiration
	CompletedTTL  time.Duration

	// Session state
	MetaStore   string // memory, redis, postgres or mysql
	DSN         string
	Locker      string // memory or redis
	LockTimeout time.Duration
	Redis       RedisOpts
}

// RedisOpts configures the shared redis used by the redis MetaStore and Locker.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
}

// BackendOpts holds configuration for a storage backend
type BackendOpts struct {
	ID           string
	Type         types.StorageType
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	MinPartSize  int64
	ClientDirect bool
	Enabled      bool
	Options      map[string]string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload server",
	Long: `Start a ZapLoad server. It speaks the tus 1.0.0 resumable protocol under
the base path and accepts single-shot multipart forms on the form path.
Metrics and health checks are served on the debug port.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()

	f.String("bind_addr", "0.0.0.0", "Interface to bind to")
	f.Int("http_port", 8080, "Upload API port")
	f.Int("debug_port", 8090, "Debug/metrics HTTP port")
	f.Duration("conn_timeout", time.Minute, "Idle timeout per connection, scaled up with bytes transferred (0 disables)")

	f.String("base_path", api.DefaultBasePath, "Resumable collection path, or absolute URL when behind a proxy")
	f.String("form_path", api.DefaultFormPath, "Single-shot form upload path")
	f.Bool("respect_forwarded", false, "Build upload URLs from X-Forwarded-Host/Proto")
	f.String("user_header", "", "Request header carrying the uploading user's id")

	f.String("backend", "", "Id of the [backends.<id>] section to use (default: memory)")

	f.String("max_upload_size", "", "Largest accepted upload (e.g. '5GiB'); empty is unlimited")
	f.StringSlice("allowed_types", nil, "Accepted content types; entries may be 'type/*'")
	f.String("naming", "default", "Object naming: 'default' (id + extension) or 'original'")
	f.Duration("expiration.max_age", 24*time.Hour, "Session lifetime (0 disables expiration)")
	f.Bool("expiration.rolling", true, "Extend the session lifetime on every write")
	f.Duration("expiration.purge_interval", 10*time.Minute, "How often expired sessions are deleted (0 disables)")
	f.Duration("completed_ttl", storage.DefaultCompletedTTL, "How long completed sessions stay answerable")

	f.String("metastore", "memory", "Session store: memory, redis, postgres or mysql")
	f.String("dsn", "", "Database DSN for the postgres or mysql session store")
	f.String("locker", "memory", "Session locker: memory or redis")
	f.Duration("lock_timeout", lock.DefaultAcquireTimeout, "How long a write waits for a session lock")
	f.String("redis.addr", "localhost:6379", "Redis address")
	f.String("redis.password", "", "Redis password")
	f.Int("redis.db", 0, "Redis database")

	f.Bool("events.enabled", false, "Emit upload lifecycle events")
	f.Bool("events.redis.enabled", false, "Publish events on Redis pub/sub (uses --redis.addr unless events.redis.addr is set)")
	f.String("events.redis.channel", events.DefaultConfig().Redis.Channel, "Redis channel prefix for events")
	f.StringSlice("events.kafka.brokers", nil, "Send events to these Kafka brokers")
	f.String("events.kafka.topic", events.DefaultConfig().Kafka.Topic, "Kafka topic for events")
	f.String("events.webhook.url", "", "POST events to this URL")
	f.String("events.webhook.secret", "", "HMAC-SHA256 key signing webhook bodies")

	viper.BindPFlags(f)
}

func runServe(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapload", false)
	opts := loadServeOpts(cmd)

	debug.SetNotReady()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	backends := backend.NewManager()
	defer backends.Close()
	b, storageType, err := selectBackend(backends, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create storage backend")
	}
	table := uploaderr.TableFor(string(storageType))

	meta, closeMeta, err := openMetaStore(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Str("metastore", opts.MetaStore).Msg("failed to open session store")
	}
	defer closeMeta()

	locker, err := openLocker(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Str("locker", opts.Locker).Msg("failed to create session locker")
	}

	cfg := storage.DefaultConfig()
	cfg.Backend = b
	cfg.MetaStore = meta
	cfg.Locker = locker
	cfg.MaxUploadSize = opts.MaxUploadSize
	cfg.AllowedTypes = opts.AllowedTypes
	cfg.Expiration = opts.Expiration
	cfg.CompletedTTL = opts.CompletedTTL
	cfg.ErrorTable = table
	if opts.Naming == "original" {
		cfg.Naming = storage.OriginalNaming
	}
	emitter, err := events.Setup(loadEventsConfig(opts))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event publishers")
	}
	cfg.OnCreate = emitter.Hook(events.EventUploadCreated)
	cfg.OnDelete = emitter.Hook(events.EventUploadDeleted)
	notifyComplete := emitter.Hook(events.EventUploadCompleted)
	cfg.OnComplete = func(ctx context.Context, s *types.Session) {
		logger.Ctx(ctx).Info().
			Str("name", s.Name).
			Str("size", humanize.IBytes(uint64(max(s.Size, 0)))).
			Msg("Upload completed")
		notifyComplete(ctx, s)
	}

	svc, err := storage.NewService(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create upload service")
	}
	defer svc.Close()
	go svc.Run(ctx)

	apiOpts := api.Options{
		BasePath:         opts.BasePath,
		FormPath:         opts.FormPath,
		RespectForwarded: opts.RespectForwarded,
		ErrorTable:       table,
	}
	if h := opts.UserHeader; h != "" {
		apiOpts.UserID = func(r *http.Request) string { return r.Header.Get(h) }
	}
	uploadMux := http.NewServeMux()
	api.NewServer(svc, apiOpts).Register(uploadMux)

	logger.Info().
		Str("backend", opts.Backend).
		Str("storage_type", string(storageType)).
		Str("metastore", opts.MetaStore).
		Str("locker", opts.Locker).
		Str("max_upload_size", sizeOrUnlimited(opts.MaxUploadSize)).
		Dur("max_age", opts.Expiration.MaxAge).
		Strs("event_publishers", emitter.Stats().Publishers).
		Msg("Upload server configuration")

	httpServer := startHTTPServer(uploadMux, opts.BindAddr, opts.HTTPPort, opts.ConnTimeout)
	debugServer := startHTTPServer(debug.Mux(), opts.BindAddr, opts.DebugPort, 0)
	if host := utils.DetectedHostAddress(); host != "" {
		logger.Info().Str("url", fmt.Sprintf("http://%s%s", utils.JoinHostPort(host, opts.HTTPPort), opts.BasePath)).Msg("Accepting uploads")
	}

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	httpServer.Shutdown(shutdownCtx)
	debugServer.Shutdown(shutdownCtx)
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("events not fully delivered")
	}
}

// loadEventsConfig reads the [events] section, letting flags override it.
// The publisher shares the server's redis unless events.redis.addr is set.
func loadEventsConfig(opts ServeOpts) events.Config {
	cfg := events.DefaultConfig()
	if err := viper.UnmarshalKey("events", &cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid [events] configuration")
	}
	cfg.Enabled = viper.GetBool("events.enabled")
	cfg.Redis.Enabled = viper.GetBool("events.redis.enabled")
	cfg.Redis.Channel = viper.GetString("events.redis.channel")
	if !viper.IsSet("events.redis.addr") {
		cfg.Redis.Addr = opts.Redis.Addr
		cfg.Redis.Password = opts.Redis.Password
		cfg.Redis.DB = opts.Redis.DB
	}
	if brokers := viper.GetStringSlice("events.kafka.brokers"); len(brokers) > 0 {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.Topic = viper.GetString("events.kafka.topic")
	if url := viper.GetString("events.webhook.url"); url != "" {
		cfg.Webhook.Enabled = true
		cfg.Webhook.URL = url
	}
	if secret := viper.GetString("events.webhook.secret"); secret != "" {
		cfg.Webhook.Secret = secret
	}
	cfg.Validate()
	return cfg
}

func loadServeOpts(cmd *cobra.Command) ServeOpts {
	f := NewFlagLoader(cmd)

	metaDriver := strings.ToLower(f.String("metastore"))
	if metaDriver != "memory" && metaDriver != "redis" && f.String("dsn") == "" {
		logger.Fatal().Str("metastore", metaDriver).Msg("--dsn is required for SQL session stores")
	}

	return ServeOpts{
		BindAddr:         f.String("bind_addr"),
		HTTPPort:         f.Int("http_port"),
		DebugPort:        f.Int("debug_port"),
		ConnTimeout:      f.Duration("conn_timeout"),
		BasePath:         f.String("base_path"),
		FormPath:         f.String("form_path"),
		RespectForwarded: f.Bool("respect_forwarded"),
		UserHeader:       f.String("user_header"),
		Backend:          f.String("backend"),
		Backends:         loadBackendOpts(),
		MaxUploadSize:    f.Size("max_upload_size"),
		AllowedTypes:     f.StringSlice("allowed_types"),
		Naming:           f.String("naming"),
		Expiration: storage.Expiration{
			MaxAge:        f.Duration("expiration.max_age"),
			Rolling:       f.Bool("expiration.rolling"),
			PurgeInterval: f.Duration("expiration.purge_interval"),
		},
		CompletedTTL: f.Duration("completed_ttl"),
		MetaStore:    metaDriver,
		DSN:          f.String("dsn"),
		Locker:       strings.ToLower(f.String("locker")),
		LockTimeout:  f.Duration("lock_timeout"),
		Redis: RedisOpts{
			Addr:     f.String("redis.addr"),
			Password: f.String("redis.password"),
			DB:       f.Int("redis.db"),
		},
	}
}

// loadBackendOpts parses backend configuration from TOML [backends.*] sections
func loadBackendOpts() []BackendOpts {
	var backends []BackendOpts

	backendsMap := viper.GetStringMap("backends")
	if len(backendsMap) == 0 {
		return backends
	}

	for id := range backendsMap {
		prefix := "backends." + id + "."

		typeStr := viper.GetString(prefix + "type")
		storageType := types.StorageType(typeStr)
		if storageType == "" {
			storageType = types.StorageTypeMemory
		}
		minPart, err := utils.ParseSize(viper.GetString(prefix + "min_part_size"))
		if err != nil {
			logger.Fatal().Err(err).Str("backend_id", id).Msg("invalid min_part_size")
		}

		b := BackendOpts{
			ID:           id,
			Type:         storageType,
			Endpoint:     viper.GetString(prefix + "endpoint"),
			Bucket:       viper.GetString(prefix + "bucket"),
			Region:       viper.GetString(prefix + "region"),
			AccessKey:    viper.GetString(prefix + "access_key"),
			SecretKey:    viper.GetString(prefix + "secret_key"),
			MinPartSize:  minPart,
			ClientDirect: viper.GetBool(prefix + "client_direct"),
			Enabled:      !viper.IsSet(prefix+"enabled") || viper.GetBool(prefix+"enabled"),
			Options:      viper.GetStringMapString(prefix + "options"),
		}

		backends = append(backends, b)
		logger.Debug().
			Str("id", id).
			Str("type", typeStr).
			Bool("enabled", b.Enabled).
			Msg("Loaded backend configuration")
	}

	return backends
}

// selectBackend registers every enabled backend and returns the one to
// serve. Without configuration an in-process memory backend is used.
func selectBackend(m *backend.Manager, opts ServeOpts) (backend.Backend, types.StorageType, error) {
	for _, b := range opts.Backends {
		if !b.Enabled {
			logger.Debug().Str("backend_id", b.ID).Msg("Skipping disabled backend")
			continue
		}
		cfg := types.BackendConfig{
			Type:         b.Type,
			Endpoint:     b.Endpoint,
			Bucket:       b.Bucket,
			Region:       b.Region,
			AccessKey:    b.AccessKey,
			SecretKey:    b.SecretKey,
			MinPartSize:  b.MinPartSize,
			ClientDirect: b.ClientDirect,
			Options:      b.Options,
		}
		if err := m.Add(b.ID, cfg); err != nil {
			return nil, "", err
		}
		logger.Info().
			Str("backend_id", b.ID).
			Str("type", string(b.Type)).
			Str("bucket", b.Bucket).
			Msg("Configured storage backend")
	}

	id := opts.Backend
	if id == "" {
		ids := m.List()
		switch len(ids) {
		case 0:
			id = "memory"
			if err := m.Add(id, types.BackendConfig{Type: types.StorageTypeMemory}); err != nil {
				return nil, "", err
			}
			logger.Warn().Msg("No backend configured, uploads are kept in memory")
		case 1:
			id = ids[0]
		default:
			return nil, "", fmt.Errorf("several backends configured (%s), choose one with --backend", strings.Join(ids, ", "))
		}
	}

	b, ok := m.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("backend %q is not configured or not enabled", id)
	}
	cfg, _ := m.Config(id)
	return b, cfg.Type, nil
}

func openMetaStore(ctx context.Context, opts ServeOpts) (metastore.MetaStore, func(), error) {
	switch opts.MetaStore {
	case "", "memory":
		return metastore.NewMemory(), func() {}, nil
	case "redis":
		cfg := metastore.DefaultRedisConfig()
		cfg.Addr = opts.Redis.Addr
		cfg.Password = opts.Redis.Password
		cfg.DB = opts.Redis.DB
		if opts.Expiration.MaxAge > 0 {
			cfg.TTL = 2 * opts.Expiration.MaxAge
		}
		store, err := metastore.NewRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		debug.AddReadyCheck("metastore", func(ctx context.Context) error {
			return store.Client().Ping(ctx).Err()
		})
		return store, closer("metastore", store), nil
	default:
		store, err := metastore.OpenSQL(ctx, metastore.SQLConfig{Driver: opts.MetaStore, DSN: opts.DSN})
		if err != nil {
			return nil, nil, err
		}
		debug.AddReadyCheck("metastore", store.Ping)
		return store, closer("metastore", store), nil
	}
}

func openLocker(ctx context.Context, opts ServeOpts) (lock.Locker, error) {
	switch opts.Locker {
	case "", "memory":
		return lock.NewMemory(opts.LockTimeout), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.Redis.Addr,
			Password: opts.Redis.Password,
			DB:       opts.Redis.DB,
		})
		cfg := lock.DefaultRedisConfig()
		cfg.AcquireTimeout = opts.LockTimeout
		l := lock.NewRedis(client, cfg)
		if err := l.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis locker: %w", err)
		}
		debug.AddReadyCheck("locker", l.Ping)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown locker %q", opts.Locker)
	}
}

func closer(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Str("component", name).Msg("close failed")
		}
	}
}

func sizeOrUnlimited(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(n))
}

func startHTTPServer(handler http.Handler, ip string, port int, timeout time.Duration) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		logger.Info().Str("http_addr", listener.Addr().String()).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
