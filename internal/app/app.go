package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
	"chat-gateway/internal/realtime"
	"chat-gateway/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds everything one gateway process runs.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	app      *fiber.App
	gw       *realtime.Gateway
	auth     *services.AuthService
	users    services.UserStore
	chats    services.ChatStore
	sweeper  *realtime.PresenceSweeper
	registry *prometheus.Registry
	closers  []func()
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// New connects the configured backends and wires the gateway and routes.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		messages services.MessageStore
		unread   services.UnreadStore
		notifier services.Notifier
	)

	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool, err := db.InitDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := db.EnsureSchema(ctx, pool); err != nil {
			s.close()
			return nil, err
		}
		s.users = services.NewUserService(pool)
		s.chats = services.NewChatService(pool)
		messages = services.NewMessageService(pool)
	default:
		log.Warn("using in-memory storage; data is lost on restart")
		mem := services.NewMemoryStore()
		s.users, s.chats, messages = mem, mem, mem
	}

	if cfg.RedisAddr != "" {
		rdb, err := db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		unread = services.NewRedisUnreadStore(rdb)
	} else {
		unread = services.NewMemoryUnreadStore()
	}

	if len(cfg.KafkaBrokers) > 0 {
		kn := services.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, log)
		notifier = kn
		log.Info("publishing push notifications to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaNotifyTopic)
	} else {
		notifier = services.NewLogNotifier(log)
	}
	s.closers = append(s.closers, func() {
		if err := notifier.Close(); err != nil {
			log.Warn("close notifier", "error", err)
		}
	})

	s.auth = services.NewAuthService(s.users, cfg.JWTSecret, cfg.TokenTTL)
	s.gw = realtime.New(realtime.Deps{
		Auth:     s.auth,
		Users:    s.users,
		Chats:    s.chats,
		Messages: messages,
		Unread:   unread,
		Notifier: notifier,
		Metrics:  metrics.New(s.registry),
		Logger:   log,
	}, realtime.Options{
		SystemUser:          models.UserInfo{ID: cfg.SystemUserID, Username: cfg.SystemUserName, DisplayName: cfg.SystemUserName},
		AutoResponseContent: cfg.AutoResponseContent,
		AutoResponseDelay:   cfg.AutoResponseDelay,
		TypingTTL:           cfg.TypingTTL,
		AwayAfter:           cfg.AwayAfter,
		SendBuffer:          cfg.SendBuffer,
	})

	sweeper, err := realtime.NewPresenceSweeper(s.gw, cfg.PresenceSweep)
	if err != nil {
		s.close()
		return nil, err
	}
	s.sweeper = sweeper

	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	app := s.app

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// Routes
	api := app.Group("/api")

	// Public Routes
	api.Post("/register", handlers.RegisterHandler(s.auth))
	api.Post("/login", handlers.LoginHandler(s.auth))

	// Protected Routes
	protected := api.Group("/", handlers.AuthMiddleware(s.auth))

	protected.Get("/profile", handlers.GetProfileHandler(s.users, s.gw))
	protected.Get("/presence", handlers.OnlineUsersHandler(s.gw))
	protected.Get("/presence/:userId", handlers.PresenceHandler(s.users, s.gw))

	protected.Get("/chats", handlers.ListChatsHandler(s.chats))
	protected.Post("/chats", handlers.CreateChatHandler(s.chats, s.users, s.gw))
	protected.Post("/chats/direct", handlers.CreateDirectChatHandler(s.chats, s.users, s.gw))
	protected.Post("/chats/:chatId/read", handlers.MarkChatReadHandler(s.gw))
	protected.Get("/chats/:chatId/unread", handlers.UnreadHandler(s.gw))

	protected.Post("/messages", handlers.PostMessageHandler(s.gw))
	protected.Get("/messages/chat/:chatId", handlers.ListChatMessagesHandler(s.gw))
	protected.Put("/messages/:id", handlers.EditMessageHandler(s.gw))
	protected.Delete("/messages/:id", handlers.DeleteMessageHandler(s.gw))
	protected.Post("/messages/:id/read", handlers.MarkMessageReadHandler(s.gw))

	// WebSocket Route
	// Note: Middleware order matters. The upgrade check runs before the
	// optional credential check.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.SocketAuthMiddleware(s.auth))
	app.Get("/ws", handlers.WebSocketHandler(s.gw, handlers.WSConfig{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		MaxMessageSize:   s.cfg.MaxMessageSize,
		Logger:           s.log,
	}))
}

func (s *Server) App() *fiber.App                { return s.app }
func (s *Server) Gateway() *realtime.Gateway     { return s.gw }
func (s *Server) Auth() *services.AuthService    { return s.auth }
func (s *Server) Users() services.UserStore      { return s.users }
func (s *Server) Chats() services.ChatStore      { return s.chats }
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Serve runs the sweeper and the HTTP server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.sweeper.Start()
	s.log.Info("chat gateway listening", "addr", ln.Addr().String(), "storage", s.cfg.StorageDriver)
	return s.app.Listener(ln)
}

// Shutdown stops accepting work, closes live connections and releases the
// backends.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.sweeper.Stop(timeout)
	s.gw.Shutdown()
	err := s.app.ShutdownWithTimeout(timeout)
	s.close()
	return err
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Run starts the gateway on cfg.Addr() and blocks until SIGINT or SIGTERM.
func Run(ctx context.Context, cfg config.Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	s, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		_ = s.Shutdown(time.Second)
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	// Graceful Shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		_ = s.Shutdown(5 * time.Second)
		return err
	case <-sigCtx.Done():
	}

	log.Info("gracefully shutting down...")
	if err := s.Shutdown(10 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server shutdown complete")
	return nil
}
