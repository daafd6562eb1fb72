package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/levx/pkg/api"
	"github.com/luxfi/levx/pkg/levx"
	"github.com/luxfi/levx/pkg/metrics"
	"github.com/luxfi/levx/pkg/websocket"
)

const (
	defaultDataDir = ".levxd"
	defaultPort    = 8080
	defaultWSPort  = 8081
)

type Config struct {
	// Paths
	DataDir     string
	GenesisPath string
	LogLevel    string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Engine
	AccrualInterval time.Duration

	// Features
	EnableMetrics bool
	EnableDebug   bool
}

type Node struct {
	config  *Config
	db      database.Database
	store   *levx.Store
	engine  *levx.Engine
	ws      *websocket.Server
	metrics *metrics.Metrics
	nats    *nats.Conn
	oracle  *staticOracle
	logger  log.Logger

	markets []string

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// genesis is the bootstrap document loaded at startup. All rates and
// amounts are decimal strings.
type genesis struct {
	Roles  map[string][]string `json:"roles"`
	Prices map[string]string   `json:"prices"`

	Assets []struct {
		ID       string `json:"id"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
		OracleID string `json:"oracleId"`
		IsStable bool   `json:"isStable"`
	} `json:"assets"`

	Pools []struct {
		ID     string   `json:"id"`
		Assets []string `json:"assets"`
		Config struct {
			CurveK          string `json:"curveK"`
			CurveB          string `json:"curveB"`
			BaseAPY         string `json:"baseApy"`
			LiquidityCapUsd string `json:"liquidityCapUsd"`
			ReserveRate     string `json:"reserveRate"`
			ADLTriggerRate  string `json:"adlTriggerRate"`
			ADLMaxPnlRate   string `json:"adlMaxPnlRate"`
			IsHighPriority  bool   `json:"isHighPriority"`
			IsDraining      bool   `json:"isDraining"`
		} `json:"config"`
	} `json:"pools"`

	Markets []struct {
		ID       string   `json:"id"`
		OracleID string   `json:"oracleId"`
		IsLong   bool     `json:"isLong"`
		Pools    []string `json:"pools"`
		Config   struct {
			FeeRate               string `json:"feeRate"`
			InitialMarginRate     string `json:"initialMarginRate"`
			MaintenanceMarginRate string `json:"maintenanceMarginRate"`
			LotSize               string `json:"lotSize"`
			OpenInterestCapUsd    string `json:"openInterestCapUsd"`
			MaxLeverage           string `json:"maxLeverage"`
		} `json:"config"`
	} `json:"markets"`

	Tiers []struct {
		Code            string `json:"code"`
		DiscountRate    string `json:"discountRate"`
		RebateRate      string `json:"rebateRate"`
		RebateRecipient string `json:"rebateRecipient"`
	} `json:"tiers"`
}

func parseGenesisWad(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return levx.WadFromDecimal(d), nil
}

// staticOracle serves fixed prices loaded from genesis. Quotes are
// stamped at read time so they never go stale.
type staticOracle struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
}

func (o *staticOracle) Price(oracleID string) (*big.Int, time.Time, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[oracleID]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("no price feed for %q", oracleID)
	}
	return new(big.Int).Set(p), time.Now(), nil
}

func (o *staticOracle) SetPrice(oracleID string, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[oracleID] = new(big.Int).Set(price)
}

// noRouteRouter has no swap venues wired; every rebalance comes back
// unconverted.
type noRouteRouter struct{}

func (noRouteRouter) Swap(tokenIn string, amountIn *big.Int, tokenOut string, minOut *big.Int) (*big.Int, bool, error) {
	return new(big.Int).Set(amountIn), false, nil
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing levxd node")

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the default; fall back to memory when unavailable.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "levxd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	gen, err := loadGenesis(config.GenesisPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	oracle := &staticOracle{prices: make(map[string]*big.Int)}
	for id, s := range gen.Prices {
		p, err := parseGenesisWad(s)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("genesis price %s: %w", id, err)
		}
		oracle.SetPrice(id, p)
	}

	roles := levx.StaticRoles{}
	for role, addrs := range gen.Roles {
		for _, a := range addrs {
			roles[levx.Role(role)] = append(roles[levx.Role(role)], levx.Address(a))
		}
	}

	engCfg := levx.DefaultEngineConfig()
	if config.AccrualInterval > 0 {
		engCfg.AccrualInterval = config.AccrualInterval
	}

	engine := levx.NewEngine(engCfg, oracle, noRouteRouter{}, roles, logger.New("module", "engine"))

	node := &Node{
		config:  config,
		db:      db,
		store:   levx.NewStore(db),
		engine:  engine,
		oracle:  oracle,
		logger:  logger,
		metrics: metrics.New("levx", logger.New("module", "metrics")),
		ws:      websocket.NewServer(logger.New("module", "websocket"), websocket.DefaultConfig()),
	}
	node.ctx, node.cancel = context.WithCancel(context.Background())

	if err := node.applyGenesis(gen, roles); err != nil {
		db.Close()
		return nil, err
	}

	// Restore persisted orders and revenue pots, then keep persisting.
	if err := engine.SetStore(node.store); err != nil {
		logger.Warn("Failed to load persisted state", "error", err)
	}

	if config.NATSUrl != "" {
		nc, err := nats.Connect(config.NATSUrl,
			nats.Name("levxd"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "url", config.NATSUrl, "error", err)
		} else {
			node.nats = nc
			logger.Info("NATS connected", "url", config.NATSUrl)
		}
	}

	return node, nil
}

func loadGenesis(path string) (*genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis: %w", err)
	}
	var gen genesis
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("failed to parse genesis: %w", err)
	}
	return &gen, nil
}

// applyGenesis registers assets, pools, markets and referral tiers using
// the first admin address from the role table.
func (n *Node) applyGenesis(gen *genesis, roles levx.StaticRoles) error {
	admins := roles[levx.RoleAdmin]
	if len(admins) == 0 {
		return fmt.Errorf("genesis has no admin address")
	}
	auth := levx.Auth{Caller: admins[0]}

	for _, a := range gen.Assets {
		if err := n.engine.RegisterAsset(auth, levx.Asset{
			ID:       a.ID,
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
			OracleID: a.OracleID,
			IsStable: a.IsStable,
		}); err != nil {
			return fmt.Errorf("genesis asset %s: %w", a.ID, err)
		}
	}

	for _, p := range gen.Pools {
		cfg := levx.PoolConfig{
			IsHighPriority: p.Config.IsHighPriority,
			IsDraining:     p.Config.IsDraining,
		}
		var err error
		if cfg.CurveK, err = parseGenesisWad(p.Config.CurveK); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.CurveB, err = parseGenesisWad(p.Config.CurveB); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.BaseAPY, err = parseGenesisWad(p.Config.BaseAPY); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.LiquidityCapUsd, err = parseGenesisWad(p.Config.LiquidityCapUsd); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.ReserveRate, err = parseGenesisWad(p.Config.ReserveRate); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.ADLTriggerRate, err = parseGenesisWad(p.Config.ADLTriggerRate); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if cfg.ADLMaxPnlRate, err = parseGenesisWad(p.Config.ADLMaxPnlRate); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
		if err := n.engine.AddPool(auth, p.ID, p.Assets, cfg); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p.ID, err)
		}
	}

	for _, m := range gen.Markets {
		cfg := levx.MarketConfig{}
		var err error
		if cfg.FeeRate, err = parseGenesisWad(m.Config.FeeRate); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if cfg.InitialMarginRate, err = parseGenesisWad(m.Config.InitialMarginRate); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if cfg.MaintenanceMarginRate, err = parseGenesisWad(m.Config.MaintenanceMarginRate); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if cfg.LotSize, err = parseGenesisWad(m.Config.LotSize); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if cfg.OpenInterestCapUsd, err = parseGenesisWad(m.Config.OpenInterestCapUsd); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if cfg.MaxLeverage, err = parseGenesisWad(m.Config.MaxLeverage); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		if err := n.engine.AddMarket(auth, levx.Market{
			ID:       m.ID,
			OracleID: m.OracleID,
			IsLong:   m.IsLong,
			Pools:    m.Pools,
			Config:   cfg,
		}); err != nil {
			return fmt.Errorf("genesis market %s: %w", m.ID, err)
		}
		n.markets = append(n.markets, m.ID)
	}

	for _, t := range gen.Tiers {
		tier := levx.ReferralTier{
			Code:            t.Code,
			RebateRecipient: levx.Address(t.RebateRecipient),
		}
		var err error
		if tier.DiscountRate, err = parseGenesisWad(t.DiscountRate); err != nil {
			return fmt.Errorf("genesis tier %s: %w", t.Code, err)
		}
		if tier.RebateRate, err = parseGenesisWad(t.RebateRate); err != nil {
			return fmt.Errorf("genesis tier %s: %w", t.Code, err)
		}
		if err := n.engine.SetReferralTier(auth, tier); err != nil {
			return fmt.Errorf("genesis tier %s: %w", t.Code, err)
		}
	}

	n.logger.Info("Genesis applied",
		"assets", len(gen.Assets),
		"pools", len(gen.Pools),
		"markets", len(gen.Markets),
		"tiers", len(gen.Tiers))
	return nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting levxd node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort)

	// Fan engine events out to websocket, metrics and NATS.
	n.wg.Add(1)
	go n.runEventLoop()

	// Accrue borrowing fees on a fixed cadence.
	n.wg.Add(1)
	go n.runAccrual()

	if n.config.EnableMetrics {
		if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return err
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
	}

	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	n.logger.Info("levxd node started successfully")
	return nil
}

func (n *Node) runEventLoop() {
	defer n.wg.Done()

	events := n.engine.Events()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.metrics.Observe(ev)
			n.metrics.SetActivePositions(len(n.engine.ActivePositions()))
			n.ws.Publish(ev)
			n.publishNATS(ev)
		}
	}
}

func (n *Node) publishNATS(ev levx.Event) {
	if n.nats == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"event": ev.Name(),
		"data":  ev,
		"at":    time.Now().Unix(),
	})
	if err != nil {
		return
	}
	subject := "levx.events." + ev.Name()
	if err := n.nats.Publish(subject, data); err != nil {
		n.logger.Warn("NATS publish failed", "subject", subject, "error", err)
		return
	}
	n.metrics.RecordNATSPublish()
}

func (n *Node) runAccrual() {
	defer n.wg.Done()

	interval := n.config.AccrualInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.markets {
				if err := n.engine.UpdateBorrowingFee(id); err != nil {
					n.logger.Warn("Borrowing accrual failed", "market", id, "error", err)
				}
			}
		}
	}
}

func (n *Node) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger.New("module", "api"))

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"positions": len(n.engine.ActivePositions()),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down levxd node...")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()

	if n.nats != nil {
		n.nats.Drain()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("levxd node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.GenesisPath, "genesis", "genesis.json", "Genesis configuration file")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats-url", "", "NATS server URL (empty disables publishing)")

	flag.DurationVar(&config.AccrualInterval, "accrual-interval", time.Hour, "Borrowing fee accrual interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableDebug, "debug", false, "Enable debug logging")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
