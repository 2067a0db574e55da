package chatengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"casetrack/go-chat/internal/app"
	"casetrack/go-chat/internal/config"
	"casetrack/go-chat/internal/domains/chat/policy"
	"casetrack/go-chat/internal/domains/chat/usecase"
	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/internal/identity"
	"casetrack/go-chat/internal/platform/metrics"
	"casetrack/go-chat/internal/platform/ratelimiter"
	"casetrack/go-chat/internal/storage"
	"casetrack/go-chat/internal/transport"
	"casetrack/go-chat/pkg/models"
)

// Engine wires the chat stack: identity, case registry, conversation cache,
// transport bus, metrics and the notification hub. One engine serves many
// sessions.
type Engine struct {
	Config   config.Config
	Logger   *slog.Logger
	Hub      *app.NotificationHub
	Metrics  *metrics.Set
	Registry *prometheus.Registry
	Identity *identity.Manager
	Cache    *storage.ConversationCache
	Bus      *transport.Bus
	Cases    *CaseRegistry

	limiter *ratelimiter.MapLimiter
}

func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = app.DefaultLogger()
	}

	cache, err := newCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation cache: %w", err)
	}
	ident, err := newIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("identity store: %w", err)
	}

	set := metrics.NewSet()
	registry := prometheus.NewRegistry()
	if err := set.Register(registry); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return &Engine{
		Config:   cfg,
		Logger:   logger,
		Hub:      app.NewNotificationHub(256),
		Metrics:  set,
		Registry: registry,
		Identity: ident,
		Cache:    cache,
		Bus: transport.NewBus(logger, transport.WithIDGenerator(func() string {
			id, err := app.GeneratePrefixedID("msg")
			if err != nil {
				return ""
			}
			return id
		})),
		Cases:   NewCaseRegistry(),
		limiter: ratelimiter.New(cfg.Chat.SendRatePerSec, cfg.Chat.SendBurst, 0),
	}, nil
}

func newCache(cfg config.Config) (*storage.ConversationCache, error) {
	if cfg.Cache.Path == "" {
		return storage.NewConversationCache(), nil
	}
	return storage.NewEncryptedPersistentConversationCache(cfg.Cache.Path, cfg.CachePassphrase())
}

func newIdentity(cfg config.Config) (*identity.Manager, error) {
	if cfg.Cache.ProfilePath == "" {
		return identity.NewManager(), nil
	}
	return identity.NewPersistentManager(cfg.Cache.ProfilePath, cfg.CachePassphrase())
}

// NewSession builds a session backed by the engine's shared infrastructure.
func (e *Engine) NewSession() *usecase.Session {
	return usecase.NewSession(usecase.SessionDeps{
		Identity:  e.Identity,
		Cases:     e.Cases,
		Directory: &cacheDirectory{cache: e.Cache},
		Transport: e.Bus,
		Cache:     e.Cache,

		Merger:   policy.Merger{Window: e.Config.Chat.MergeWindow},
		PageSize: e.Config.Chat.PageSize,
		Logger:   e.Logger,

		GenerateRef: app.GeneratePrefixedID,
		AllowSend:   e.limiter.Allow,
		Notify:      func(method string, payload any) { e.Hub.Publish(method, payload) },
		RecordError: func(category string, _ error) { e.Metrics.RecordError(category) },
		RecordMerge: func(outcome policy.MergeOutcome) { e.Metrics.RecordMerge(string(outcome)) },
		RecordLive:  e.Metrics.RecordLiveDelivery,
		RecordSend:  e.Metrics.RecordSend,
		RecordState: func(status usecase.Status) { e.Metrics.RecordState(string(status)) },
	})
}

// CaseRegistry is the in-memory case backend used by the simulator and the
// tests; a deployment swaps in the remote case API behind the same contract.
type CaseRegistry struct {
	mu    sync.RWMutex
	cases map[string]contracts.CaseDetails
}

func NewCaseRegistry() *CaseRegistry {
	return &CaseRegistry{cases: make(map[string]contracts.CaseDetails)}
}

// Register stores a case under its id and, when set, its human reference.
func (r *CaseRegistry) Register(details contracts.CaseDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases[details.ID] = details
	if ref := strings.TrimSpace(details.Reference); ref != "" && ref != details.ID {
		alias := details
		alias.CanonicalID = details.ID
		r.cases[ref] = alias
	}
}

func (r *CaseRegistry) GetCaseByID(_ context.Context, caseID string) (contracts.CaseDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	details, ok := r.cases[caseID]
	if !ok {
		return contracts.CaseDetails{}, fmt.Errorf("case %q not found", caseID)
	}
	return details, nil
}

// cacheDirectory serves room candidates out of the conversation cache, so a
// room resolved once is found without a directory round-trip next time.
type cacheDirectory struct {
	cache *storage.ConversationCache
}

func (d *cacheDirectory) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	all := d.cache.List()
	out := make([]models.Conversation, 0, len(all))
	for _, conv := range all {
		if conv.ClientID == "" || conv.ClientID == userID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (d *cacheDirectory) FindRoomIDForCase(_ context.Context, _, caseID string) (string, error) {
	conv, ok := d.cache.FindByCase(caseID)
	if !ok {
		return "", nil
	}
	return conv.ID, nil
}

var (
	_ contracts.CaseService           = (*CaseRegistry)(nil)
	_ contracts.ConversationDirectory = (*cacheDirectory)(nil)
)
