package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/metering/internal/archive"
	"github.com/ocx/metering/internal/budget"
	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/config"
	"github.com/ocx/metering/internal/credits"
	"github.com/ocx/metering/internal/dlq"
	"github.com/ocx/metering/internal/ensemble"
	"github.com/ocx/metering/internal/gateway"
	"github.com/ocx/metering/internal/killswitch"
	"github.com/ocx/metering/internal/ledger"
	"github.com/ocx/metering/internal/metrics"
	"github.com/ocx/metering/internal/ratelimit"
	"github.com/ocx/metering/internal/settlement"
	"github.com/ocx/metering/internal/statestore"
	"github.com/ocx/metering/internal/wal"
	"github.com/ocx/metering/internal/x402"
)

func main() {
	// .env for local development; production supplies real env vars.
	_ = godotenv.Load()

	configPath := os.Getenv("METERING_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	tenantsPath := os.Getenv("METERING_TENANTS_CONFIG")
	if tenantsPath == "" {
		tenantsPath = "tenants.yaml"
	}

	manager, err := config.NewManager(configPath, tenantsPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := manager.Global()

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	// State store: Redis when configured, in-process otherwise. The
	// memory store keeps atomicity only within this replica.
	var store statestore.Store
	if cfg.Redis.Addr != "" {
		rs, err := statestore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.Redis.Addr, err)
		}
		store = rs
		log.Printf("State store: redis at %s", cfg.Redis.Addr)
	} else {
		store = statestore.NewMemoryStore()
		log.Printf("State store: in-process memory store (single replica only)")
	}

	journal, err := wal.Open(wal.Config{
		Dir:                  cfg.WAL.Dir,
		MaxSegmentSize:       cfg.WAL.MaxSegmentSize,
		ShutdownDrainTimeout: time.Duration(cfg.WAL.ShutdownDrainTimeoutMs) * time.Millisecond,
		PressureLowBytes:     uint64(cfg.WAL.PressureLowBytes),
		PressureHighBytes:    uint64(cfg.WAL.PressureHighBytes),
		MaxSegments:          cfg.WAL.MaxSegments,
	})
	if err != nil {
		log.Fatalf("Failed to open WAL: %v", err)
	}

	fsync := cfg.Ledger.Fsync == nil || *cfg.Ledger.Fsync
	costLedger, err := ledger.New(ledger.Config{
		BaseDir:         cfg.Ledger.BaseDir,
		Fsync:           fsync,
		RotationAgeDays: cfg.Ledger.RotationAgeDays,
		RetentionDays:   cfg.Ledger.RetentionDays,
		MaxEntryBytes:   cfg.Ledger.MaxEntryBytes,
	})
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}

	bundle := metrics.New(prometheus.DefaultRegisterer)
	metrics.RegisterWAL(prometheus.DefaultRegisterer, journal.Status)

	limiter := ratelimit.New(store, cfg.RateLimits.PerModel, cfg.RateLimits.Default)
	bundle.BindLimiter(limiter)

	committer := budget.New(costLedger, store)

	creditRate := credits.Rate{NumMicro: cfg.Credits.RateNumMicro, DenCU: cfg.Credits.RateDenCU}
	creditLedger := credits.NewLedger(func() credits.Rate { return creditRate })
	if ttl := cfg.Credits.ReservationTTLSeconds; ttl > 0 {
		creditLedger.SetReservationTTL(time.Duration(ttl) * time.Second)
	}

	issuer := x402.NewIssuer(store, []byte(cfg.X402.ChallengeSecret), cfg.X402.TreasuryAddress)

	breakers := circuitbreaker.NewGatewayBreakers()
	kill := killswitch.New()

	// Provider pools register themselves at deployment wiring time; the
	// orchestrator consults the kill switch and the per-provider breaker
	// before any pool is invoked.
	pools := ensemble.NewRegistry()
	orchestrator := ensemble.New(ensemble.Config{
		FirstChunkTimeout: time.Duration(cfg.Ensemble.TimeoutMs) * time.Millisecond,
	})
	orchestrator.SetKillSwitch(kill)
	orchestrator.SetBreakers(breakers)

	// Payment verification needs chain access; without RPC endpoints
	// the x402 path stays disabled and credits carry all billing.
	var verifier *x402.Verifier
	var settler *settlement.Service
	if len(cfg.X402.RPCEndpoints) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pool, err := x402.Dial(ctx, cfg.X402.RPCEndpoints)
		cancel()
		if err != nil {
			log.Fatalf("Failed to dial chain RPC: %v", err)
		}
		pool.SetBreaker(breakers.RPC)
		verifier = x402.NewVerifier(store, pool, journal, x402.VerifierConfig{
			Secret:           []byte(cfg.X402.ChallengeSecret),
			PreviousSecret:   []byte(cfg.X402.ChallengeSecretPrevious),
			TokenContract:    common.HexToAddress(cfg.X402.TokenAddress),
			MinConfirmations: cfg.X402.MinConfirmations,
		})

		var direct settlement.Settler
		if cfg.Settlement.DirectURL != "" {
			direct = settlement.NewHTTPSettler(cfg.Settlement.DirectURL, cfg.Settlement.DirectToken)
		}
		settler = settlement.NewService(
			settlement.NewHTTPSettler(cfg.Settlement.FacilitatorURL, cfg.Settlement.FacilitatorToken),
			direct,
			breakers.Facilitator,
			pool,
			journal,
			settlement.Config{
				TokenContract: common.HexToAddress(cfg.X402.TokenAddress),
				Treasury:      common.HexToAddress(cfg.X402.TreasuryAddress),
			},
		)
		log.Printf("x402 verification enabled: %d RPC endpoints, %d confirmations",
			len(cfg.X402.RPCEndpoints), cfg.X402.MinConfirmations)
	} else {
		log.Printf("x402 verification disabled: no RPC endpoints configured")
	}

	dlqStore := dlq.NewStore(store)
	metrics.RegisterDLQDepth(prometheus.DefaultRegisterer, func() (int64, int64) {
		h := dlqStore.Health(context.Background())
		var ready, poison int64
		if h.Depth != nil {
			ready = *h.Depth
		}
		if h.PoisonDepth != nil {
			poison = *h.PoisonDepth
		}
		return ready, poison
	})
	workerCfg := dlq.WorkerConfig{
		Interval:    time.Duration(cfg.DLQ.IntervalMs) * time.Millisecond,
		BatchSize:   cfg.DLQ.BatchSize,
		LeaseTTL:    time.Duration(cfg.DLQ.LeaseTTLMs) * time.Millisecond,
		BaseBackoff: time.Duration(cfg.DLQ.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.DLQ.MaxBackoffMs) * time.Millisecond,
		MaxAttempts: cfg.DLQ.MaxAttempts,
	}
	if workerCfg.BaseBackoff <= 0 {
		workerCfg.BaseBackoff = time.Minute
	}
	bundle.BindDLQWorker(&workerCfg)
	committer.SetDeadLetter(dlqStore, workerCfg.BaseBackoff)
	dlqWorker := dlq.NewWorker(dlqStore, func(ctx context.Context, e dlq.Entry) error {
		// Replay re-runs only the store half under the original
		// idempotency key, so a commit that landed before the entry was
		// dead-lettered replays as a duplicate no-op.
		key := e.IdempotencyKey
		if key == "" {
			key = e.TraceID
		}
		recon := budget.ReconOK
		if e.Recon == string(budget.ReconFailOpen) {
			recon = budget.ReconFailOpen
		}
		_, err := committer.ReplayCommit(ctx, e.Tenant, key, e.ActualCostMicro, recon)
		return err
	}, workerCfg)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dlqWorker.Run(rootCtx)

	if cfg.Archive.Enabled {
		objStore := archive.NewSupabaseStore(
			os.Getenv("SUPABASE_URL"),
			os.Getenv("SUPABASE_SERVICE_KEY"),
			cfg.Archive.Bucket,
		)
		var mirror *archive.GitMirror
		if cfg.Archive.Mirror.Enabled {
			mirror = &archive.GitMirror{
				RepoDir: cfg.Archive.Mirror.RepoDir,
				Remote:  cfg.Archive.Mirror.Remote,
				Branch:  cfg.Archive.Mirror.Branch,
				SrcDirs: []string{cfg.WAL.Dir, cfg.Ledger.BaseDir},
			}
		}
		syncer := archive.NewSyncer(objStore, archive.Config{
			WALDir:    cfg.WAL.Dir,
			LedgerDir: cfg.Ledger.BaseDir,
			Prefix:    cfg.Archive.Prefix,
			Interval:  time.Duration(cfg.Archive.IntervalMinutes) * time.Minute,
		}, journal.Status, mirror)
		go syncer.Run(rootCtx)
		log.Printf("Archival sync enabled: bucket=%s prefix=%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	server := &gateway.Server{
		WALStatus: journal.Status,
		Ledger:    costLedger,
		DLQ:       dlqStore,
		DLQWorker: dlqWorker,
		Limiter:   limiter,
		Breakers:  breakers,
		Kill:      kill,
		Gatherer:  prometheus.DefaultGatherer,

		Issuer:     issuer,
		Verifier:   verifier,
		Settlement: settler,
		Credits:    creditLedger,
		Committer:  committer,

		Ensemble: orchestrator,
		Pools:    pools,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Metering gateway listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	costLedger.Close()
	if err := journal.Shutdown(); err != nil {
		log.Printf("WAL shutdown: %v", err)
	}
	log.Printf("Shutdown complete")
}
