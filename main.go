package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/api"
	"chainledger/internal/config"
	"chainledger/internal/coordinator"
	"chainledger/internal/decoder"
	"chainledger/internal/messages"
	"chainledger/internal/models"
	"chainledger/internal/normalizer"
	"chainledger/internal/ranges"
	"chainledger/internal/repository"
	"chainledger/internal/sources"
	"chainledger/internal/taskmanager"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config %s: %v", cfgPath, err)
		}
		log.Printf("No config file at %s, using defaults", cfgPath)
		cfg = config.Default()
	}
	if dbURL := os.Getenv("DB_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	log.Println("Initializing chainledger...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("API Port: %d", cfg.APIPort)
	log.Printf("Build: %s", BuildCommit)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	msgs := messages.NewAggregator()
	hub := api.NewHub()

	health := sources.NewHealth(5, cfg.RPC.PerProviderRateLimit)
	coord := coordinator.New(health)
	coord.OnMissingAPIKey = func(service string) {
		msgs.Warning("Provider " + service + " needs an API key; requests to it are skipped")
		hub.MissingAPIKey(service)
	}

	client := sources.NewHTTPClient(sources.HTTPClientConfig{
		Timeout:         cfg.RPCTimeout(),
		PoolSizePerHost: cfg.RPC.PoolSizePerHost,
	})

	// 3. Source adapters, in failover order.
	adapters := map[models.Chain][]sources.Adapter{
		models.ChainBitcoin: {
			sources.NewEsplora("blockstream", envOr("ESPLORA_URL", "https://blockstream.info/api"), client),
			sources.NewEsplora("mempool.space", envOr("MEMPOOL_URL", "https://mempool.space/api"), client),
			sources.NewBlockchainInfo(envOr("BLOCKCHAIN_INFO_URL", "https://blockchain.info"), client),
			sources.NewBlockchair(envOr("BLOCKCHAIR_URL", "https://api.blockchair.com/bitcoin"), client),
		},
		models.ChainBitcoinCash: {
			sources.NewHaskoin(envOr("HASKOIN_URL", "https://api.haskoin.com/bch"), client),
		},
		models.ChainEthereum: {
			sources.NewEVMExplorer("etherscan", envOr("ETHERSCAN_URL", "https://api.etherscan.io/api"),
				os.Getenv("ETHERSCAN_API_KEY"), models.ChainEthereum, client),
		},
	}

	// 4. Decoder registry
	tokens := make(decoder.StaticTokens, len(cfg.Decoder.Tokens))
	for _, t := range cfg.Decoder.Tokens {
		if !common.IsHexAddress(t.Address) {
			log.Printf("Skipping invalid token address %q in config", t.Address)
			continue
		}
		tokens[common.HexToAddress(t.Address)] = decoder.TokenInfo{Symbol: t.Symbol, Decimals: t.Decimals}
	}

	// Underlying tokens of configured Balancer pools get symbolic names too.
	// The subgraph carries no decimals, so config entries win on conflict.
	if len(cfg.Decoder.BalancerPools) > 0 {
		balancerGraph := sources.NewSubgraph("balancer-subgraph",
			envOr("BALANCER_SUBGRAPH_URL", "https://api.thegraph.com/subgraphs/name/balancer-labs/balancer-v2"),
			models.ChainEthereum, client)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, poolID := range cfg.Decoder.BalancerPools {
			pts, err := balancerGraph.PoolTokens(ctx, poolID)
			if err != nil {
				log.Printf("Pool token lookup for %s failed: %v", poolID, err)
				continue
			}
			for _, pt := range pts {
				if !common.IsHexAddress(pt.Address) {
					continue
				}
				addr := common.HexToAddress(pt.Address)
				if _, configured := tokens[addr]; !configured {
					tokens[addr] = decoder.TokenInfo{Symbol: pt.Symbol, Decimals: 18}
				}
			}
		}
		cancel()
	}
	registry := decoder.NewRegistry(cfg.Decoder.SchemaVersion, tokens)

	gauges := make([]common.Address, 0, len(cfg.Decoder.CurveGauges))
	for _, g := range cfg.Decoder.CurveGauges {
		if common.IsHexAddress(g) {
			gauges = append(gauges, common.HexToAddress(g))
		}
	}
	// The Curve subgraph extends the configured gauge list when reachable.
	subgraph := sources.NewSubgraph("curve-subgraph",
		envOr("CURVE_SUBGRAPH_URL", "https://api.thegraph.com/subgraphs/name/curvefi/curve"),
		models.ChainEthereum, client)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		fetched, err := subgraph.Gauges(ctx)
		cancel()
		if err != nil {
			log.Printf("Gauge bootstrap from subgraph failed, using configured gauges only: %v", err)
		} else {
			for _, g := range fetched {
				if common.IsHexAddress(g.Address) {
					gauges = append(gauges, common.HexToAddress(g.Address))
				}
			}
		}
	}
	decoder.RegisterCurveGauges(registry, gauges)
	log.Printf("Decoder registry ready (schema v%d, %d tokens, %d gauges)",
		cfg.Decoder.SchemaVersion, len(tokens), len(gauges))

	norm := normalizer.New(registry, msgs.Warning)

	// 5. Task manager
	manager := taskmanager.New(
		repo,
		ranges.NewTracker(repo),
		coord,
		norm,
		adapters,
		hub,
		msgs,
		taskmanager.Config{
			PoolSize:        cfg.Scheduler.PoolSize,
			PollInterval:    cfg.PollInterval(),
			InitialLookback: cfg.QueryRanges.InitialLookbackSecs,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := manager.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Task manager stopped: %v", err)
		}
	}()

	// 6. API server
	apiServer := api.NewServer(repo, manager, msgs, hub, cfg.APIPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API Server on :%d", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	apiServer.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
