package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/platt-gateway/internal/arbiter"
	"github.com/cuemby/platt-gateway/internal/backend"
	"github.com/cuemby/platt-gateway/internal/clusterstore"
	"github.com/cuemby/platt-gateway/internal/config"
	"github.com/cuemby/platt-gateway/internal/gwlog"
	"github.com/cuemby/platt-gateway/internal/index"
	"github.com/cuemby/platt-gateway/internal/ingest"
	"github.com/cuemby/platt-gateway/internal/refresher"
)

func main() {
	fmt.Println("gateway: object-storage ingest/index/backend bridge")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Object-storage ingest/index/backend gateway",
	Long: `gateway bridges simulation-produced objects into the storage
cluster's index, keeps that index fresh, and serves it and the objects
themselves to connected backends.`,
	RunE: runGateway,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "cluster config file (required unless --test)")
	rootCmd.PersistentFlags().String("pool", "", "storage pool name (required unless --test)")
	rootCmd.PersistentFlags().String("user", "", "cluster user name (required unless --test)")
	rootCmd.PersistentFlags().Int("backend_port", 8009, "Backend Endpoint TCP port")
	rootCmd.PersistentFlags().Int("simulation_port", 8010, "Ingest Endpoint TCP port")
	rootCmd.PersistentFlags().String("admin_addr", ":9090", "admin HTTP address (health/ready/metrics)")
	rootCmd.PersistentFlags().String("log", "info", "log level: debug|verbose|info|warning|error|critical|quiet")
	rootCmd.PersistentFlags().Bool("test", false, "run the embedded self-check and exit")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log")
	gwlog.Init(gwlog.Config{Level: gwlog.Level(level)})
}

func runGateway(cmd *cobra.Command, args []string) error {
	test, _ := cmd.Flags().GetBool("test")
	if test {
		return runSelfCheck()
	}

	configPath, _ := cmd.Flags().GetString("config")
	pool, _ := cmd.Flags().GetString("pool")
	user, _ := cmd.Flags().GetString("user")
	backendPort, _ := cmd.Flags().GetInt("backend_port")
	simulationPort, _ := cmd.Flags().GetInt("simulation_port")
	adminAddr, _ := cmd.Flags().GetString("admin_addr")

	if configPath == "" || pool == "" || user == "" {
		return fmt.Errorf("--config, --pool, and --user are required unless --test is set")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := gwlog.Component(gwlog.ComponentCore)

	// The BoltDB-backed clusterstore stands in as the concrete cluster
	// handle implementation behind the abstract Dialer, with cluster_conf
	// read as its local store path.
	store, err := clusterstore.Open(cfg.ClusterConf)
	if err != nil {
		return fmt.Errorf("open cluster store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := clusterstore.NewDialer(store)
	arb, err := arbiter.Dial(ctx, dialer, cfg.ClusterConf, pool, user, cfg.PoolSizes(), log)
	if err != nil {
		return fmt.Errorf("dial cluster arbiter: %w", err)
	}
	defer arb.Shutdown()

	idx := index.NewStore(arb, gwlog.Component(gwlog.ComponentCore))
	go idx.Run(ctx)

	ref := refresher.New(arb, idx.SweepChan(), idx.RefresherChan(), gwlog.Component(gwlog.ComponentCore))
	go ref.Run(ctx)

	ingestSrv := ingest.NewServer(fmt.Sprintf(":%d", simulationPort), idx.IngestChan(), gwlog.Component(gwlog.ComponentSimulation))
	backendSrv := backend.NewServer(fmt.Sprintf(":%d", backendPort), idx.NewFileChan(), idx, arb, gwlog.Component(gwlog.ComponentBackend))
	health := backend.NewHealthServer(func() error {
		if !ref.Ready() {
			return fmt.Errorf("waiting on first refresher sweep")
		}
		return nil
	})

	errCh := make(chan error, 3)
	go func() { errCh <- ingestSrv.ListenAndServe(ctx) }()
	go func() { errCh <- backendSrv.ListenAndServe(ctx) }()
	go func() { errCh <- health.Start(ctx, adminAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil {
			cancel()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	return nil
}
