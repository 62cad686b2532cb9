// Package butler wires the config loader, database, module runtime,
// scheduler, spawner, approval gate, and RPC surface together into one
// running daemon process per the manifest's declared kind. It is the
// strict dependency root of the process: DB <- modules <- spawner <- RPC
// <- connectors, with the Switchboard/Messenger/Heartbeat kinds layering
// their own extra wiring on top of the same core.
package butler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/butler-fleet/butlers/pkg/approval"
	"github.com/butler-fleet/butlers/pkg/audit"
	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/memory"
	"github.com/butler-fleet/butlers/pkg/messenger"
	"github.com/butler-fleet/butlers/pkg/module"
	"github.com/butler-fleet/butlers/pkg/registry"
	"github.com/butler-fleet/butlers/pkg/rpcserver"
	"github.com/butler-fleet/butlers/pkg/runtime"
	"github.com/butler-fleet/butlers/pkg/scheduler"
	"github.com/butler-fleet/butlers/pkg/session"
	"github.com/butler-fleet/butlers/pkg/spawner"
	"github.com/butler-fleet/butlers/pkg/state"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
	"github.com/butler-fleet/butlers/pkg/switchboard/router"
)

// Butler is one fully-wired daemon process: the generic core plus
// whatever kind-specific extras its manifest calls for.
type Butler struct {
	Manifest *config.Manifest
	DB       *database.Client

	State         *state.Store
	Sessions      *session.Log
	Scheduler     *scheduler.Scheduler
	Spawner       *spawner.Spawner
	Modules       *module.Runtime
	Approval      *approval.Gate
	ActorVerifier *approval.TokenVerifier

	Memory *memory.Store

	// Switchboard-only.
	Registry *registry.Registry
	Ingress  *ingress.Ingress
	Router   *router.Router

	// Messenger-only.
	Messenger *messengerState

	// Heartbeat-only.
	heartbeat *heartbeatLoop

	RPC *rpcserver.Server

	adapter  runtime.Adapter
	notifier rpcserver.NotifyDispatcher
	log      *slog.Logger
}

// Bootstrap loads a manifest from configDir, runs its migration plan,
// and constructs every component its kind requires, stopping short of
// starting the HTTP listener or any background loop (see Run).
func Bootstrap(configDir string) (*Butler, error) {
	manifest, err := config.Initialize(configDir)
	if err != nil {
		return nil, fmt.Errorf("butler: load manifest: %w", err)
	}
	return BootstrapManifest(manifest)
}

// BootstrapManifest builds a Butler from an already-loaded, validated
// Manifest.
func BootstrapManifest(manifest *config.Manifest) (*Butler, error) {
	log := slog.Default().With("butler", manifest.Butler.Name, "kind", string(manifest.Butler.Kind))

	personality, err := config.LoadPersonality(manifest)
	if err != nil {
		log.Warn("no personality document found, using empty system prompt", "error", err)
	}

	dbCfg, err := dbConfigFromManifest(manifest)
	if err != nil {
		return nil, err
	}
	client, err := database.NewClient(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("butler: open database: %w", err)
	}

	adapter, err := runtime.NewExecAdapter(manifest.Runtime.Type, manifest.Runtime.BinaryPath)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("butler: build runtime adapter: %w", err)
	}

	var memStore *memory.Store
	if hasModule(manifest, "memory") {
		tok, tokErr := memory.NewTiktokenCounter()
		if tokErr != nil {
			log.Warn("tiktoken tokenizer unavailable, falling back to rune-count budget enforcement", "error", tokErr)
		}
		memStore, err = memory.New(client.DB, manifest.DB.Schema, memory.Budget{MaxTokens: 2000, EpisodeQuota: 5, FactQuota: 10, RuleQuota: 5}, tok, log)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("butler: build memory store: %w", err)
		}
	}

	// Messenger's channel modules and its delivery engine share one live
	// provider per channel; everywhere else providers stay nil and the
	// egress tools get stripped at module resolution.
	var providers map[string]messenger.Provider
	if isMessenger(manifest) {
		providers = buildProviders()
	}

	declared, err := buildModules(manifest, memStore, providers)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("butler: build modules: %w", err)
	}
	moduleRuntime, err := module.Resolve(manifest.Butler.Name, isMessenger(manifest), declared, log)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("butler: resolve module runtime: %w", err)
	}

	if err := runMigrationPlan(client, manifest, moduleRuntime); err != nil {
		client.Close()
		return nil, err
	}

	stateStore := state.New(client.DB, manifest.DB.Schema)
	sessionLog := session.New(client.DB, manifest.DB.Schema, manifest.Defaults.Pricing)

	sched, err := scheduler.New(client.DB, manifest.DB.Schema, manifest.Defaults.Timezone, log)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("butler: build scheduler: %w", err)
	}
	if err := sched.Bootstrap(context.Background(), manifest.Schedule); err != nil {
		client.Close()
		return nil, fmt.Errorf("butler: bootstrap schedule: %w", err)
	}

	var memProvider spawner.MemoryProvider
	if memStore != nil {
		memProvider = memStore
	}
	sp := spawner.New(manifest.Butler.Name, manifest, personality, adapter, sessionLog, memProvider, log)

	b := &Butler{
		Manifest:  manifest,
		DB:        client,
		State:     stateStore,
		Sessions:  sessionLog,
		Scheduler: sched,
		Spawner:   sp,
		Modules:   moduleRuntime,
		Memory:    memStore,
		adapter:   adapter,
		log:       log,
	}

	if gatedTools, gerr := manifest.GatedTools(); gerr == nil && (len(gatedTools) > 0 || hasModule(manifest, "approvals")) {
		gated := map[string]bool{}
		for _, t := range gatedTools {
			gated[t.Tool] = true
		}
		b.Approval = approval.New(client.DB, manifest.DB.Schema, gated, b.executeTool)
		secret := []byte(os.Getenv("BUTLER_ACTOR_SECRET"))
		if len(secret) == 0 {
			secret = []byte("insecure-dev-actor-secret")
		}
		b.ActorVerifier = approval.NewTokenVerifier(secret)
	}

	switch manifest.Butler.Kind {
	case config.KindSwitchboard:
		if err := b.bootstrapSwitchboard(); err != nil {
			client.Close()
			return nil, err
		}
	case config.KindMessenger:
		if err := b.bootstrapMessenger(providers); err != nil {
			client.Close()
			return nil, err
		}
	case config.KindHeartbeat:
		b.bootstrapHeartbeat()
	}

	b.RPC = rpcserver.New(b.rpcDeps(), log)
	return b, nil
}

func dbConfigFromManifest(m *config.Manifest) (database.Config, error) {
	cfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return database.Config{}, fmt.Errorf("butler: load database config: %w", err)
	}
	if m.DB.Name != "" {
		cfg.Database = m.DB.Name
	}
	return cfg, nil
}

// runMigrationPlan executes the core chain, then every enabled module's
// chain, then each kind-specific extra chain (registry/messenger/
// approvals/audit), in that order.
func runMigrationPlan(client *database.Client, manifest *config.Manifest, modules *module.Runtime) error {
	chains := []database.MigrationChain{database.CoreMigrationChain()}
	chains = append(chains, modules.MigrationChains()...)

	if hasModule(manifest, "approvals") {
		chains = append(chains, approval.MigrationChain())
	}

	switch manifest.Butler.Kind {
	case config.KindSwitchboard:
		chains = append(chains, audit.MigrationChain(), registry.MigrationChain())
	case config.KindMessenger:
		chains = append(chains, messenger.MigrationChain())
	}

	plan := database.MigrationPlan{Schema: manifest.DB.Schema, Chains: chains}
	return database.RunMigrations(client.DB.DB, plan)
}

func hasModule(m *config.Manifest, name string) bool {
	_, ok := m.Modules[name]
	return ok
}

// rpcDeps assembles rpcserver.Deps from the wired components, filling
// Switchboard/Messenger-only fields only when applicable.
func (b *Butler) rpcDeps() rpcserver.Deps {
	deps := rpcserver.Deps{
		ButlerName:          b.Manifest.Butler.Name,
		Manifest:            b.Manifest,
		DB:                  b.DB,
		Spawner:             b.Spawner,
		SessionLog:          b.Sessions,
		Scheduler:           b.Scheduler,
		State:               b.State,
		ModuleRuntime:       b.Modules,
		Registry:            b.Registry,
		TrustedRouteCallers: b.Manifest.Security.TrustedRouteCallers,
		StartedAt:           time.Now(),
		Approval:            b.Approval,
		ActorVerifier:       b.ActorVerifier,
	}
	deps.RouteExecute = b.routeExecutor()
	deps.Notify = b.notifyDispatcher()

	if b.Manifest.Butler.Kind == config.KindSwitchboard {
		deps.Ingress = b.Ingress
		deps.Heartbeats = audit.New(b.DB.DB, b.Manifest.DB.Schema)
	}
	return deps
}

// Run starts the HTTP listener and every background loop (admission
// queue dispatch, registry advertisement, heartbeat tick loop),
// blocking until ctx is cancelled.
func (b *Butler) Run(ctx context.Context) error {
	if b.Ingress != nil {
		b.Ingress.Start(ctx)
		defer b.Ingress.Stop()
	}
	if b.heartbeat != nil {
		go b.heartbeat.run(ctx)
	}
	go b.advertiseLoop(ctx)

	if err := b.Modules.Startup(ctx); err != nil {
		return fmt.Errorf("butler: module startup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Modules.Shutdown(shutdownCtx); err != nil {
			b.log.Error("module shutdown reported errors", "error", err)
		}
	}()

	b.log.Info("butler starting", "port", b.Manifest.Butler.Port)
	return b.RPC.Start(ctx)
}

// Close releases the database connection pool. Call after Run returns.
func (b *Butler) Close() error {
	return b.DB.Close()
}
