package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/config"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/registry"
	"github.com/chaowei-dev/ton-cat-lottery/internal/handlers"
	"github.com/chaowei-dev/ton-cat-lottery/internal/indexer"
	"github.com/chaowei-dev/ton-cat-lottery/internal/services"
	"github.com/chaowei-dev/ton-cat-lottery/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"gopkg.in/urfave/cli.v1"
)

const ownerKeyFile = "owner.key"

func main() {
	app := cli.NewApp()
	app.Name = "ton-cat-lottery"
	app.Usage = "cat lottery and collectible registry on a local ledger"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "dotenv file loaded before the environment",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API and background jobs",
			Action: serve,
		},
		{
			Name:   "keygen",
			Usage:  "print a new owner key and its address",
			Action: keygen,
		},
		{
			Name:   "templates",
			Usage:  "list the collectible templates",
			Action: listTemplates,
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	// 1. Load configuration
	cfg, err := config.Load(c.GlobalString("env-file"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// 2. Initialize logging
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "lottery.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	defer logger.Init("ton-cat-lottery", cfg.Verbose, false, logFile).Close()

	// 3. Open the ledger and the transaction index
	owner, err := loadOwner(cfg)
	if err != nil {
		return err
	}
	store, err := chain.OpenBoltStore(cfg.StatePath())
	if err != nil {
		return err
	}
	ledger, err := chain.NewLedger(chain.WithStore(store))
	if err != nil {
		store.Close()
		return err
	}
	defer ledger.Close()

	index, err := indexer.Open(cfg.IndexPath())
	if err != nil {
		return err
	}
	defer index.Close()
	ledger.Subscribe(index.Observe)

	// 4. Deploy the contracts and start the background jobs
	service, err := services.NewLotteryService(cfg, ledger, owner)
	if err != nil {
		return err
	}
	if err := service.Start(); err != nil {
		return err
	}
	defer service.Stop()

	// 5. Set up the Gin router
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Verbose {
		r.Use(gin.Logger())
	}
	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	handlers.NewHTTPHandler(service, index, auth).RegisterRoutes(r)

	// 6. Run the server until interrupted
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s (lottery %s, registry %s)",
			cfg.ListenAddr, service.LotteryAddress().Human(cfg.Testnet), service.RegistryAddress().Human(cfg.Testnet))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadOwner returns the configured owner key, or the key kept in the data
// directory, generating it on first start.
func loadOwner(cfg *config.Config) (*wallet.Wallet, error) {
	if cfg.OwnerKey != "" {
		return wallet.FromHex(cfg.OwnerKey)
	}
	path := filepath.Join(cfg.DataDir, ownerKeyFile)
	if b, err := os.ReadFile(path); err == nil {
		return wallet.FromHex(strings.TrimSpace(string(b)))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read owner key: %w", err)
	}

	w, err := wallet.New()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(w.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write owner key: %w", err)
	}
	logger.Infof("Generated owner key for %s in %s", w.Address(), path)
	return w, nil
}

func newAuth(cfg *config.Config) (handlers.Auth, error) {
	auth := handlers.Auth{Token: cfg.AdminToken, SessionSecret: []byte(cfg.SessionSecret)}
	if auth.Token == "" {
		logger.Warning("LOTTERY_ADMIN_TOKEN is not set, operator routes are disabled")
	}
	if len(auth.SessionSecret) == 0 {
		auth.SessionSecret = make([]byte, 32)
		if _, err := rand.Read(auth.SessionSecret); err != nil {
			return auth, fmt.Errorf("generate session secret: %w", err)
		}
	}
	return auth, nil
}

func keygen(c *cli.Context) error {
	w, err := wallet.New()
	if err != nil {
		return err
	}
	fmt.Printf("LOTTERY_OWNER_KEY=%s\n", w.PrivateKeyHex())
	fmt.Printf("# address %s (%s)\n", w.Address(), w.Address().Human(true))
	return nil
}

func listTemplates(c *cli.Context) error {
	catalog, err := registry.LoadCatalog()
	if err != nil {
		return err
	}
	for _, t := range catalog.Templates() {
		fmt.Printf("%d\t%-18s %-10s %3d%%\t%s\n", t.TemplateID, t.Name, t.Rarity, t.Odds, t.Image)
	}
	return nil
}
