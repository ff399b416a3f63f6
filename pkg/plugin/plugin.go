// Package plugin wires the livingmemory engines together and exposes the
// two ingress surfaces: the pre/post LLM hooks of the host runtime and the
// admin operation set behind the lmem command surface.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/forgetting"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/memory"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/provider"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/recall"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/reflection"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/retrieval"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/session"
)

const (
	// providerPollInterval paces the wait for the host runtime to expose
	// its providers.
	providerPollInterval = time.Second
	// hookReadyTimeout bounds how long a hook waits on initialization
	// before turning into a no-op.
	hookReadyTimeout = 30 * time.Second
	// recallTimeout is the wall-clock budget for memory recall inside the
	// pre-LLM hook; past it the turn proceeds with no injection.
	recallTimeout = 10 * time.Second
	// reflectionWorkers caps concurrently running reflection tasks.
	reflectionWorkers = 4
)

// Providers is how the host runtime hands over its capabilities once ready.
// Both return false until the runtime finished starting up.
type Providers interface {
	Embedder() (provider.Embedder, bool)
	Chatter() (provider.Chatter, bool)
}

// StaticProviders wraps already-constructed providers.
type StaticProviders struct {
	Emb  provider.Embedder
	Chat provider.Chatter
}

// Embedder returns the wrapped embedder.
func (s StaticProviders) Embedder() (provider.Embedder, bool) {
	return s.Emb, s.Emb != nil
}

// Chatter returns the wrapped chatter.
func (s StaticProviders) Chatter() (provider.Chatter, bool) {
	return s.Chat, s.Chat != nil
}

// Plugin is the host-facing façade over all engines.
type Plugin struct {
	cfg       config.Config
	dataDir   string
	providers Providers
	log       *slog.Logger

	manager    *memory.Manager
	sessions   *session.Manager
	sparse     *retrieval.SparseRetriever
	fusion     *retrieval.Fusion
	recall     *recall.Engine
	reflection *reflection.Engine
	forgetting *forgetting.Agent
	pool       *ants.Pool

	initialized chan struct{}
	initErr     error
	runCtx      context.Context
	cancel      context.CancelFunc
	tasks       sync.WaitGroup
}

// New builds an uninitialized plugin. Call Start to begin the deferred
// initialization that waits for the host runtime's providers.
func New(cfg config.Config, dataDir string, providers Providers, log *slog.Logger) *Plugin {
	if warn, sum := cfg.WeightSumWarning(); warn {
		log.Warn("recall weights drift from 1.0, retrieval quality may suffer", "sum", sum)
	}
	return &Plugin{
		cfg:         cfg,
		dataDir:     dataDir,
		providers:   providers,
		log:         log,
		sessions:    session.NewManager(cfg.SessionManager.MaxSessions, time.Duration(cfg.SessionManager.SessionTTL)*time.Second),
		initialized: make(chan struct{}),
	}
}

// Start launches the deferred initialization. All hooks gate on it: a hook
// waits up to hookReadyTimeout for the providers and stores, and is a no-op
// if they are not ready by then.
func (p *Plugin) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.cancel = cancel
	go p.waitForRuntimeAndInitialize(runCtx)
}

func (p *Plugin) waitForRuntimeAndInitialize(ctx context.Context) {
	p.log.Info("waiting for host runtime providers")
	for {
		if _, ok := p.providers.Chatter(); ok {
			if _, ok := p.providers.Embedder(); ok {
				break
			}
		}
		select {
		case <-ctx.Done():
			p.initErr = ctx.Err()
			close(p.initialized)
			return
		case <-time.After(providerPollInterval):
		}
	}
	if err := p.initialize(ctx); err != nil {
		p.log.Error("plugin initialization failed", "error", err)
		p.initErr = err
	}
	close(p.initialized)
}

func (p *Plugin) initialize(ctx context.Context) error {
	embedder, _ := p.providers.Embedder()
	chatter, _ := p.providers.Chatter()

	manager, err := memory.Open(p.dataDir, embedder, p.log)
	if err != nil {
		return fmt.Errorf("plugin: open memory store: %w", err)
	}
	p.manager = manager

	if p.cfg.SparseRetriever.Enabled {
		p.sparse = retrieval.NewSparseRetriever(manager.Docs(), p.cfg.SparseRetriever, p.log)
	}

	p.fusion, err = retrieval.NewFusion(p.cfg.Fusion)
	if err != nil {
		manager.Close()
		return err
	}

	loc := p.cfg.Location()
	var sparseSide recall.SparseSearcher
	if p.sparse != nil {
		sparseSide = p.sparse
	}
	p.recall = recall.New(p.cfg.RecallEngine, manager, sparseSide, p.fusion, loc, p.log)
	p.reflection = reflection.New(p.cfg.ReflectionEngine, chatter, manager, p.log)
	p.forgetting = forgetting.New(p.cfg.ForgettingAgent, manager, loc, p.log)
	p.forgetting.Start(ctx)

	p.pool, err = ants.NewPool(reflectionWorkers, ants.WithNonblocking(false))
	if err != nil {
		manager.Close()
		return fmt.Errorf("plugin: reflection pool: %w", err)
	}

	p.log.Info("livingmemory initialized", "data_dir", p.dataDir)
	return nil
}

// WaitReady blocks until initialization finished, the timeout elapsed or
// ctx was canceled. It reports whether the plugin is usable.
func (p *Plugin) WaitReady(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-p.initialized:
		return p.initErr == nil
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// Ready reports whether initialization already finished successfully.
func (p *Plugin) Ready() bool {
	select {
	case <-p.initialized:
		return p.initErr == nil
	default:
		return false
	}
}

func (p *Plugin) readyErr() error {
	if !p.Ready() {
		if p.initErr != nil {
			return p.initErr
		}
		return errors.New("plugin is not initialized yet")
	}
	return nil
}

// Shutdown stops the background loops, cancels outstanding reflection tasks
// and closes the stores.
func (p *Plugin) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.forgetting != nil {
		p.forgetting.Stop()
	}
	p.tasks.Wait()
	if p.pool != nil {
		p.pool.Release()
	}
	if p.manager != nil {
		if err := p.manager.Close(); err != nil {
			p.log.Warn("closing memory store", "error", err)
		}
	}
	p.log.Info("livingmemory stopped")
}

// OnLLMRequest is the pre-LLM hook: recall relevant memories for the
// outgoing prompt, prepend them to the system prompt, and record the user
// turn. Recall failures never fail the host turn; the prompt goes out
// without injection.
func (p *Plugin) OnLLMRequest(ctx context.Context, sessionID, personaID, prompt, systemPrompt string) string {
	if !p.WaitReady(ctx, hookReadyTimeout) {
		p.log.Warn("plugin not initialized, skipping memory recall")
		return systemPrompt
	}

	recallSession := sessionID
	if !p.cfg.Filtering.UseSessionFiltering {
		recallSession = ""
	}
	recallPersona := personaID
	if !p.cfg.Filtering.UsePersonaFiltering {
		recallPersona = ""
	}

	recallCtx, cancel := context.WithTimeout(ctx, recallTimeout)
	defer cancel()

	var memories []recallResult
	err := retryOnFailure(recallCtx, 1, 500*time.Millisecond, func(ctx context.Context) error {
		records, err := p.recall.Recall(ctx, prompt, recallSession, recallPersona, 0)
		if err != nil {
			return err
		}
		memories = memories[:0]
		for _, rec := range records {
			memories = append(memories, recallResult{record: rec})
		}
		return nil
	})
	if err != nil {
		p.log.Error("memory recall failed, continuing without injection",
			"session", sessionID, "error", err)
	}

	if len(memories) > 0 {
		injection := formatMemoriesForInjection(memories)
		if injection != "" {
			systemPrompt = injection + "\n" + systemPrompt
			p.log.Info("injected memories into system prompt",
				"session", sessionID, "count", len(memories))
		}
	}

	p.sessions.AppendUser(sessionID, prompt)
	return systemPrompt
}

// OnLLMResponse is the post-LLM hook: record the assistant turn, and when
// the round counter reaches the trigger, snapshot the history, reset the
// counter and hand the snapshot to a fire-and-forget reflection task.
func (p *Plugin) OnLLMResponse(ctx context.Context, sessionID, personaID, personaPrompt, reply string) {
	if !p.WaitReady(ctx, hookReadyTimeout) {
		p.log.Warn("plugin not initialized, skipping reflection bookkeeping")
		return
	}

	rounds := p.sessions.AppendAssistant(sessionID, reply)
	trigger := p.cfg.ReflectionEngine.SummaryTriggerRounds
	if rounds < trigger {
		return
	}

	p.log.Info("reflection trigger reached", "session", sessionID, "rounds", rounds)
	history := p.sessions.TakeHistory(sessionID)
	if len(history) == 0 {
		return
	}

	usePersona := p.cfg.Filtering.UsePersonaFiltering
	taskPersonaID := personaID
	taskPersonaPrompt := personaPrompt
	if !usePersona {
		taskPersonaPrompt = ""
	}

	// Reflection outlives the host request: it runs under the plugin's own
	// context so shutdown cancels it, not the request teardown.
	taskCtx := p.runCtx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	p.tasks.Add(1)
	err := p.pool.Submit(func() {
		defer p.tasks.Done()
		err := retryOnFailure(taskCtx, 2, time.Second, func(ctx context.Context) error {
			return p.reflection.ReflectAndStore(ctx, history, sessionID, taskPersonaID, taskPersonaPrompt)
		})
		if err != nil {
			p.log.Error("reflection task failed after retries",
				"session", sessionID, "error", err)
		}
	})
	if err != nil {
		p.tasks.Done()
		p.log.Error("could not schedule reflection task", "session", sessionID, "error", err)
	}
}

// Sessions exposes the session manager (the CLI shows session stats).
func (p *Plugin) Sessions() *session.Manager {
	return p.sessions
}
