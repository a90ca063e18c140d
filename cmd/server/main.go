package main

import (
	"context"
	"crypto/rand"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/novaos/core/internal/ack"
	"github.com/novaos/core/internal/api"
	"github.com/novaos/core/internal/audit"
	"github.com/novaos/core/internal/circuitbreaker"
	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/crypto"
	"github.com/novaos/core/internal/evidence"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/livedata"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/pipeline"
	"github.com/novaos/core/internal/ratelimit"
	"github.com/novaos/core/internal/scheduler"
	"github.com/novaos/core/internal/ssrf"
	"github.com/novaos/core/internal/sword"
	"github.com/novaos/core/internal/transport"
)

const memoryTraceTTL = 30 * 24 * time.Hour

func main() {
	log.Println("🔥 Starting NovaOS runtime...")

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	// 1. Configuration
	cfg, err := config.Load(os.Getenv("NOVA_CONFIG"))
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	// 2. KVS (Redis, with in-memory fallback for local runs)
	var kv kvs.Store
	redisStore, err := kvs.NewRedisStore(cfg.KVS)
	if err != nil {
		log.Printf("⚠️  Redis unreachable (%v), using in-memory store", err)
		kv = kvs.NewMemoryStore()
	} else {
		log.Printf("🔌 Connected to Redis at %s:%d", cfg.KVS.Host, cfg.KVS.Port)
		kv = redisStore
	}

	// 3. Secrets
	ackSecret := secretFromEnv("NOVA_ACK_SECRET")
	ackPrev := []byte(os.Getenv("NOVA_ACK_SECRET_PREV"))
	if len(ackPrev) == 0 {
		ackPrev = nil
	}
	masterKey := secretFromEnv("NOVA_MASTER_KEY")
	keyVersion := uint32(1)
	if v, err := strconv.ParseUint(os.Getenv("NOVA_KEY_VERSION"), 10, 32); err == nil && v > 0 {
		keyVersion = uint32(v)
	}

	cryptoSvc, err := crypto.NewService(masterKey, keyVersion)
	if err != nil {
		log.Fatalf("Crypto: %v", err)
	}
	protocol := ack.New(ackSecret, ackPrev, kv, ack.MaxTTL)

	// 4. Audit
	auditor := audit.NewLogger(kv, cryptoSvc,
		time.Duration(cfg.Retention.AuditDays)*24*time.Hour,
		time.Duration(cfg.Retention.SnapshotDays)*24*time.Hour)

	// 5. Model chain + classifiers
	breakers := circuitbreaker.NewPipelineBreakers()
	chain := llm.NewChainFromConfig(cfg.LLM, breakers)
	classifier := llm.NewClassifier(chain, llm.WithClassifierBreaker(breakers.Classifier))

	// 6. Live data: SSRF guard, pinned transport, providers
	limiter := ratelimit.New(kv, cfg.RateLimits.Multiplier)
	guard := ssrf.NewGuard(cfg.SSRF, ssrf.WithRateLimiter(limiter, cfg.RateLimits.SSRF))
	fetcher := transport.NewFetcher(guard, transport.WithBreaker(breakers.Transport))
	sources := livedata.NewSourceStore(kv)

	registry := livedata.NewRegistry()
	for _, p := range []livedata.Provider{
		livedata.NewStockProvider(fetcher, sources),
		livedata.NewFXProvider(fetcher, sources),
		livedata.NewCryptoProvider(fetcher, sources),
		livedata.NewWeatherProvider(fetcher, sources),
		livedata.NewWebSearchProvider(fetcher, sources),
		livedata.NewTimeProvider(),
	} {
		if err := registry.Register(p); err != nil {
			log.Fatalf("Provider registry: %v", err)
		}
	}
	executor := livedata.NewExecutor(time.Duration(cfg.SSRF.ReadTimeoutMs) * time.Millisecond)
	builder := evidence.NewBuilder()

	// 7. Gate pipeline
	gates := []pipeline.Gate{
		pipeline.NewIntentGate(chain),
		pipeline.NewShieldGate(chain, protocol),
		pipeline.NewLensGate(registry),
		pipeline.NewStanceGate(),
		pipeline.NewCapabilityGate(registry, executor, builder, chain),
		pipeline.NewModelGate(chain, cfg.LLM.MaxTokens, cfg.LLM.Temperature),
		pipeline.NewConstitutionalGate(classifier),
		pipeline.NewMemoryGate(kv, memoryTraceTTL),
	}
	orch := pipeline.NewOrchestrator(gates, pipeline.DefaultTimeouts(), auditor, pipeline.NewMetrics())

	// 8. Sword store
	swordStore := sword.NewStore(kv, cfg.Sword)

	// 9. Scheduler with the six background jobs
	sched := scheduler.New(kv, 30*time.Second)
	handlers := scheduler.NewHandlers(swordStore, sources, kv, cfg.Retention)
	if err := handlers.RegisterAll(sched, cfg.Sword); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sched.Start(ctx)

	// 10. HTTP edge
	server := api.NewServer(cfg, orch, swordStore, auditor, limiter, breakers, kv)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-ctx.Done():
		log.Println("🛑 Shutting down...")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	sched.Stop()
	if err := kv.Close(); err != nil {
		log.Printf("KVS close: %v", err)
	}
	log.Println("👋 Bye")
}

// secretFromEnv reads a named secret. Missing secrets get a random value so
// local runs work, at the cost of acks and snapshots not surviving restarts.
func secretFromEnv(name string) []byte {
	if v := os.Getenv(name); v != "" {
		return []byte(v)
	}
	log.Printf("⚠️  %s not set, generating an ephemeral secret", name)
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("Entropy: %v", err)
	}
	return buf
}
