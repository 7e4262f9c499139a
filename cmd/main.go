package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/config"
	"github.com/amirphl/grid-trader/internal/control"
	"github.com/amirphl/grid-trader/internal/coordinator"
	"github.com/amirphl/grid-trader/internal/metrics"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/ratelimit"
	"github.com/amirphl/grid-trader/internal/recovery"
	"github.com/amirphl/grid-trader/internal/store"
	"github.com/amirphl/grid-trader/internal/stream"
	"github.com/amirphl/grid-trader/internal/ticker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Starting Grid Trader with %d tickers", len(cfg.Tickers))

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Failed to resolve timezone: %v", err)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	storage, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer storage.Close()

	var note notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		note = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	limiter := ratelimit.New(cfg.RateSlots)
	gateway := broker.NewAmeritradeGateway("", cfg.Credentials)

	book, err := buildBook(ctx, cfg, gateway, limiter, storage)
	if err != nil {
		log.Fatalf("Failed to build ticker book: %v", err)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Printf("Metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	if cfg.StreamURL != "" {
		watcher := stream.NewLevelOneWatcher(cfg.StreamURL, book.Symbols(), book)
		if err := watcher.Start(ctx); err != nil {
			log.Printf("Failed to start quote stream, trading on polled quotes only: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	// Operator console on stdin; "stop" halts the coordinator at its
	// next step boundary.
	console := control.New(book, os.Stdin, os.Stdout)
	go func() {
		if err := console.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Console stopped: %v", err)
		}
	}()

	coord, err := coordinator.New(book, gateway, limiter, storage, note, coordinator.Config{
		OpenTime:  cfg.OpenTime,
		CloseTime: cfg.CloseTime,
		Location:  loc,
	})
	if err != nil {
		log.Fatalf("Failed to build coordinator: %v", err)
	}

	if err := coord.Run(ctx); err != nil {
		log.Printf("Coordinator exited with error: %v", err)
	}

	printFinalState(book)
}

func openStorage(cfg config.Config) (store.Storage, error) {
	if cfg.DBConnStr != "" {
		log.Println("Using Postgres storage")
		return store.NewPostgres(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	}
	log.Printf("Using file storage in %s", cfg.SnapshotDir)
	return store.NewFileStore(cfg.SnapshotDir)
}

// buildBook restores the ticker book from the snapshot, or from the
// configuration plus an account reconciliation when -recover is set or
// no snapshot exists yet.
func buildBook(ctx context.Context, cfg config.Config, gateway broker.Gateway, limiter *ratelimit.Limiter, storage store.Storage) (*ticker.Book, error) {
	if !cfg.Recover {
		snap, err := storage.LoadSnapshot(ctx)
		switch {
		case err == nil:
			log.Printf("Restored snapshot from %s with %d tickers", snap.Taken.Format(time.RFC3339), len(snap.Symbols))
			limiter.Restore(snap.RateSlots)
			book := ticker.FromSnapshot(snap)
			return book, addMissingTickers(book, cfg)
		case errors.Is(err, store.ErrNoSnapshot):
			log.Println("No snapshot found, starting from configuration")
		default:
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	book := ticker.NewBook()
	for _, p := range cfg.Tickers {
		if err := book.Add(p, cfg.MaxBuys); err != nil {
			return nil, err
		}
	}

	if cfg.Recover {
		log.Println("Rebuilding state from the brokerage account")
		access, err := gateway.RefreshAccess(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh access for recovery: %w", err)
		}
		book.SetAccess(access)
		if err := recovery.New(gateway, limiter, storage).Reconcile(ctx, book); err != nil {
			return nil, err
		}
		book.SetRecovered(true)
	}
	return book, nil
}

// addMissingTickers lets a restored session pick up tickers added to
// the configuration since the snapshot was taken.
func addMissingTickers(book *ticker.Book, cfg config.Config) error {
	existing := make(map[string]bool)
	for _, sym := range book.Symbols() {
		existing[sym] = true
	}
	for _, p := range cfg.Tickers {
		if existing[p.Symbol] {
			continue
		}
		if err := book.Add(p, cfg.MaxBuys); err != nil {
			return err
		}
		log.Printf("Added new ticker %s from configuration", p.Symbol)
	}
	return nil
}

func printFinalState(book *ticker.Book) {
	snap := book.Snapshot()
	for _, sym := range snap.Symbols {
		ts := snap.Tickers[sym]
		log.Printf("Final state | %s balance=%.2f owned=%.0f avg=%.4f buy=%d sell=%d",
			sym, ts.AvailableBalance, ts.StockOwned, ts.AverageBuy, ts.LimitBuyID, ts.LimitSellID)
	}
	for _, e := range snap.CycleErrors {
		log.Printf("Final state | unresolved error: %s", e)
	}
	for _, r := range book.StopReasons() {
		log.Printf("Final state | stop reason: %s", r)
	}
}
