package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/internal/broker"
	"github.com/a-essam23/go-collab/internal/engine"
	"github.com/a-essam23/go-collab/internal/router"
	"github.com/a-essam23/go-collab/internal/server/middleware"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/state/statemanager"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	broker       broker.Broker
	publisher    broker.RoomPublisher
	wg           sync.WaitGroup
	http         *http.Server
	handler      http.Handler
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, perms *config.PermissionRegistry) (*App, error) {
	stateManager := statemanager.NewInMemoryManager(logger)

	registry := engine.New(logger)
	registry.RegisterCore(&engine.RegisterCoreOptions{
		Permissions: perms,
		LockTTL:     cfg.Server.LockTTL,
	})
	if err := config.CompilePipelines(cfg, registry.GetModifierFunc); err != nil {
		return nil, err
	}

	b, err := newBroker(rootCtx, cfg.Broker, broker.LocalDelivery(stateManager, logger), logger)
	if err != nil {
		return nil, err
	}
	publisher := broker.RoomPublisher{Broker: b}

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		eventRouter:  router.NewEventRouter(logger, stateManager, registry, cfg.Pipelines, publisher),
		broker:       b,
		publisher:    publisher,
		config:       cfg,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	// closes the user's oldest connection to make room for a new one
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	defaultPerms, err := perms.Compile(cfg.Server.DefaultPermissions)
	if err != nil {
		return nil, fmt.Errorf("invalid default permissions: %w", err)
	}
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, perms.Compile, defaultPerms),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	app.handler = mux

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func newBroker(ctx context.Context, cfg config.BrokerConfig, deliver broker.DeliverFunc, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Kind {
	case "", "memory":
		return broker.NewMemory(deliver), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return broker.NewRedis(ctx, client, cfg.RedisChannel, deliver, logger)
	default:
		return nil, fmt.Errorf("unknown broker kind '%s'", cfg.Kind)
	}
}

// Handler exposes the HTTP routes, for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// associate the authenticated user with the registered connection.
	if _, err := a.stateManager.AssociateUser(stateConn.ID, reqMeta.UserID, reqMeta.Permissions); err != nil {
		connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
		a.stateManager.DeregisterConnection(stateConn.ID)
		conn.Close(err)
		return
	}
	if err := a.stateManager.Join(stateConn.ID, engine.PresenceRoom); err != nil {
		connLogger.Warn("Failed to join presence room", slog.Any("error", err))
	}

	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.connectionClosed(id, reqMeta.UserID, connLogger)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// connectionClosed cleans up after a connection. When it was the user's
// last one, their locks are released and collaborators see them go offline.
func (a *App) connectionClosed(connID uuid.UUID, userID string, logger *slog.Logger) {
	if err := a.stateManager.DeregisterConnection(connID); err != nil {
		logger.Error("Failed to deregister connection from state", slog.Any("error", err))
	}
	if count, _ := a.stateManager.GetUserConnectionCount(userID); count > 0 {
		return
	}

	if released := a.stateManager.ReleaseUserLocks(userID); released > 0 {
		logger.Info("Released locks of departed user", slog.Int("count", released))
	}
	env, err := protocol.NewEnvelope(protocol.TypePresence, "", "", presence.Format(userID, presence.StatusOffline, nil))
	if err != nil {
		return
	}
	if err := a.publisher.PublishToRoom(a.ctx, engine.PresenceRoom, connID.String(), env); err != nil {
		logger.Warn("Failed to announce departure", slog.Any("error", err))
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.GetAllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("Broker close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
