package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"xdao.co/agentpay/config"
	"xdao.co/agentpay/httpapi"
	"xdao.co/agentpay/internal/logging"
	"xdao.co/agentpay/node"
	"xdao.co/agentpay/rpc"
	"xdao.co/agentpay/storage"
	"xdao.co/agentpay/storage/backends"
	"xdao.co/agentpay/storage/grpcstore"

	_ "xdao.co/agentpay/storage/localfs"
	_ "xdao.co/agentpay/storage/memstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("agentpayd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "JSON config file")
	envFile := fs.String("env", ".env", "dotenv file loaded before reading AGENTPAY_* variables")
	grpcAddr := fs.String("grpc", "", "gRPC listen address (overrides config)")
	httpAddr := fs.String("http", "", "HTTP listen address (overrides config)")
	journalBackend := fs.String("journal", "", "journal backend: memory, sqlite or cas (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	listBackends := fs.Bool("list-backends", false, "List block store backends and exit")
	printConfig := fs.Bool("print-config", false, "Print the effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *listBackends {
		for _, b := range backends.List() {
			if b.Description == "" {
				_, _ = fmt.Fprintf(out, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *grpcAddr != "" {
		cfg.Listen.GRPC = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.Listen.HTTP = *httpAddr
	}
	if *journalBackend != "" {
		cfg.Journal.Backend = *journalBackend
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *printConfig {
		if err := writeConfig(out, cfg); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		return 0
	}

	logger, err := logging.New(errOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("agentpayd stopped")
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	ledger, err := cfg.LedgerAddress()
	if err != nil {
		return err
	}
	minter, err := cfg.MinterAddress()
	if err != nil {
		return err
	}

	var blocks storage.BlockStore
	if cfg.Journal.Backend == config.JournalCAS || cfg.ServeStorage {
		st, closeFn, err := cfg.Storage.Open(ctx)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer closeFn()
		blocks = st
	}

	j, err := openJournal(ctx, cfg, blocks, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	n, err := node.Open(ctx, node.Config{
		Network: cfg.Network,
		Params:  params,
		Ledger:  ledger,
		Minter:  minter,
		Journal: j,
		Logger:  &logger,
	})
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	info := n.Info()
	logger.Info().Str("network", info.Network).Str("ledger", info.Ledger.Hex()).Str("factory", info.Factory.Hex()).
		Uint64("seq", info.Seq).Str("journal", cfg.Journal.Backend).Msg("node ready")

	errc := make(chan error, 2)

	if cfg.Listen.GRPC != "" {
		lis, err := net.Listen("tcp", cfg.Listen.GRPC)
		if err != nil {
			return err
		}
		srv := grpc.NewServer()
		ledger := rpc.NewServer(n, logger)
		rpc.RegisterLedgerServer(srv, ledger)
		if cfg.ServeStorage && blocks != nil {
			grpcstore.RegisterBlockStoreServer(srv, &grpcstore.Server{Store: blocks})
		}
		go func() { errc <- srv.Serve(lis) }()
		defer stopGRPC(srv, ledger, 5*time.Second)
		logger.Info().Str("addr", lis.Addr().String()).Bool("storage", cfg.ServeStorage).Msg("grpc listening")
	}

	if cfg.Listen.HTTP != "" {
		hs := &http.Server{
			Addr:              cfg.Listen.HTTP,
			Handler:           httpapi.Router(httpapi.NewHandler(n, logger)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
		logger.Info().Str("addr", cfg.Listen.HTTP).Msg("http listening")
	}

	if cfg.Relay.URL != "" {
		r, closeFn, err := startRelay(cfg, n, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		defer r.Stop()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// stopGRPC ends watch streams, then drains in-flight calls for up to grace
// before closing the remaining connections.
func stopGRPC(srv *grpc.Server, ledger *rpc.Server, grace time.Duration) {
	ledger.Shutdown()
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		srv.Stop()
	}
}
