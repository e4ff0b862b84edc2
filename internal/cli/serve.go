package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/api"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"

	// Register provider adapters.
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/blaxel"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/cloudflare"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/daytona"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/docker"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/e2b"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/modal"
	_ "github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/vercel"
)

var (
	port       string
	configPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&port, "port", "p", "", "HTTP server port (overrides config)")
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	RootCmd.AddCommand(serveCmd)
}

// driverCache builds drivers lazily and reuses them: adapters carry warm
// HTTP clients and port caches, so one instance per provider.
type driverCache struct {
	mu  sync.Mutex
	cfg *config.Config
	drv map[string]*driver.Driver
}

func newDriverCache(cfg *config.Config) *driverCache {
	return &driverCache{cfg: cfg, drv: map[string]*driver.Driver{}}
}

func (c *driverCache) resolve(ctx context.Context, provider string) (*driver.Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.drv[provider]; ok {
		return d, nil
	}
	d, err := driver.New(ctx, provider, c.cfg.Provider(provider))
	if err != nil {
		return nil, err
	}
	c.drv[provider] = d
	return d, nil
}

func runServer() {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if port == "" {
		port = cfg.Server.Port
	}
	if apiKey == "" {
		apiKey = cfg.Server.APIKey
	}

	log.Info().
		Str("version", Version).
		Str("port", port).
		Strs("providers", cfg.Configured()).
		Msg("🚀 Starting sandboxd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	cache := newDriverCache(cfg)

	// The Docker backend is local and cheap to probe; cloud providers are
	// only touched when a request names them.
	probe := func(ctx context.Context) error {
		d, err := cache.resolve(ctx, "docker")
		if err != nil {
			return err
		}
		_, err = d.List(ctx)
		return err
	}
	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := probe(probeCtx); err != nil {
		log.Warn().Err(err).Msg("Docker backend unavailable; cloud providers still served")
	}
	probeCancel()

	st := store.NewMemory()
	orch := run.New(cache.resolve, run.WithRecorder(store.NewRecorder(st)))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(orch, cache.resolve, st,
		api.WithAPIKey(apiKey),
		api.WithBuildInfo(api.BuildInfo{Version: Version, Commit: GitCommit, BuiltAt: BuildDate}),
		api.WithReadyCheck(probe),
	)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("Server listening")
		serverErr <- e.Start(":" + port)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// Active runs get the cleanup grace to destroy their sandboxes.
		orchCtx, orchCancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer orchCancel()
		orch.Shutdown(orchCtx)
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("Server startup failed")
	}
}
