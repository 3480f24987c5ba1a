package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/lock"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/protocol"
)

/*
* The central registry for all executable components. It holds the handler
* for each envelope type and the modifiers that configured pipelines run
* before them.
 */
type Registry struct {
	logger    *slog.Logger
	handlers  map[protocol.MessageType]pipeline.HandlerFunc
	handlerMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex
}

type RegisterCoreOptions struct {
	Permissions *config.PermissionRegistry
	LockTTL     time.Duration
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		handlers:  make(map[protocol.MessageType]pipeline.HandlerFunc),
		modifiers: make(map[string]pipeline.ModifierFunc),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore(opts *RegisterCoreOptions) {
	e.registerCoreHandlers(opts)
	e.registerCoreModifiers(opts)
}

func (e *Registry) registerCoreHandlers(opts *RegisterCoreOptions) {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}

	e.RegisterHandler(protocol.TypeSubscribe, handleSubscribe)
	e.RegisterHandler(protocol.TypeUnsubscribe, handleUnsubscribe)
	e.RegisterHandler(protocol.TypePublish, handlePublish)
	e.RegisterHandler(protocol.TypePresence, handlePresence)
	e.RegisterHandler(protocol.TypeTyping, handleTyping)
	e.RegisterHandler(protocol.TypePing, handlePing)
	e.RegisterHandler(protocol.TypeLockAcquire, newLockAcquireHandler(ttl))
	e.RegisterHandler(protocol.TypeLockRelease, handleLockRelease)
	e.RegisterHandler(protocol.TypeOperationSubmit, handleOperationSubmit)
	e.logger.Info("Registered core handlers", slog.Int("count", len(e.handlers)))
}

func (e *Registry) registerCoreModifiers(opts *RegisterCoreOptions) {
	perms := opts.Permissions
	if perms == nil {
		perms = config.NewPermissionRegistry()
	}
	e.RegisterModifier("requires", newRequiresModifier(perms))
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.logger))
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Handler Methods ---

func (e *Registry) RegisterHandler(typ protocol.MessageType, fn pipeline.HandlerFunc) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if _, exists := e.handlers[typ]; exists {
		panic(fmt.Sprintf("handler already registered: %s", typ))
	}
	e.handlers[typ] = fn
}

func (e *Registry) GetHandlerFunc(typ protocol.MessageType) (pipeline.HandlerFunc, bool) {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	fn, ok := e.handlers[typ]
	return fn, ok
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}
