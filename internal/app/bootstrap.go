package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/core"
	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
	"github.com/londonpotato1/standx-maker-bot/internal/notify"
	"github.com/londonpotato1/standx-maker-bot/internal/storage"
	"github.com/londonpotato1/standx-maker-bot/internal/strategy"
)

// Bootstrap wires the engine together from config.
type Bootstrap struct {
	Config   *infra.Config
	Events   *event.Bus
	Journal  *storage.Journal
	Client   *exchange.Client
	Signer   *exchange.Signer
	Tracker  *core.PriceTracker
	Guard    *core.SafetyGuard
	Orders   *core.OrderManager
	Protect  *core.FillProtection
	Strategy *strategy.MakerFarming
	Notifier *notify.Telegram

	priceWorker *exchange.PriceWorker
	leadWorker  *exchange.LeadPriceWorker
}

// NewBootstrap creates an empty bootstrap.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and constructs every component.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Storage.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	journal, err := storage.NewJournal(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	b.Journal = journal
	slog.Info("event journal ready", slog.String("path", cfg.Storage.JournalPath))

	b.Events = event.NewBus(256)

	b.Signer = exchange.NewSigner(cfg.Wallet.Address, cfg.Wallet.PrivateKey)
	b.Signer.UseVenueHandshake(cfg.Exchange.BaseURL)
	b.Client = exchange.NewClient(cfg.Exchange.BaseURL, b.Signer)

	b.Tracker = core.NewPriceTracker(b.Client, 5*time.Second)
	b.Guard = core.NewSafetyGuard(cfg.Safety, b.Client, b.Events)
	b.Orders = core.NewOrderManager(b.Client, core.OrderManagerConfig{
		LockSeconds:        cfg.Strategy.OrderLockSeconds,
		GracePeriodSeconds: cfg.Strategy.OrderGracePeriodSeconds,
		NotFoundTimeoutSec: cfg.Strategy.Order404TimeoutSeconds,
		Leverage:           cfg.Strategy.Leverage,
	}, b.Events)
	b.Protect = core.NewFillProtection(cfg.FillProtection, b.Orders, b.Events)

	// Every accepted snapshot also feeds the safety guard's 1-second window.
	b.Tracker.OnSnapshot(func(snap *core.PriceSnapshot) {
		b.Guard.Observe(snap.Symbol, snap.Mark, snap.UpdatedAt)
	})

	b.Strategy = strategy.New(cfg, b.Tracker, b.Guard, b.Orders, b.Events, b.Client)
	b.Notifier = notify.NewTelegram(cfg.Telegram)

	return nil
}

// StartWorkers connects the price streams.
func (b *Bootstrap) StartWorkers(ctx context.Context) error {
	cfg := b.Config

	b.priceWorker = exchange.NewPriceWorker(cfg.Exchange.WSURL, cfg.Strategy.Symbols, b.Tracker.OnPush)
	if err := b.priceWorker.Connect(ctx); err != nil {
		return err
	}
	slog.Info("price stream connected", slog.Int("symbols", len(cfg.Strategy.Symbols)))

	if cfg.FillProtection.Lead.Enabled {
		b.leadWorker = exchange.NewLeadPriceWorker(cfg.Exchange.LeadWSURL, cfg.Strategy.Symbols,
			func(symbol string, mark float64, ts time.Time) {
				b.Protect.OnLeadPush(ctx, symbol, mark, ts)
			})
		if err := b.leadWorker.Connect(ctx); err != nil {
			return err
		}
		slog.Info("lead venue stream connected")
	}
	return nil
}

// Shutdown disconnects workers and closes the journal.
func (b *Bootstrap) Shutdown() {
	if b.priceWorker != nil {
		b.priceWorker.Disconnect()
	}
	if b.leadWorker != nil {
		b.leadWorker.Disconnect()
	}
	if b.Journal != nil {
		b.Journal.Close()
	}
	b.Signer.Wipe()
}

// RunEventSink consumes the event bus, persisting every event to the
// journal and forwarding notable ones to the notifier, until ctx is done.
func (b *Bootstrap) RunEventSink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Events.Events():
			if err := b.Journal.Append(ctx, ev); err != nil {
				slog.Warn("journal append failed", slog.Any("error", err))
			}
			b.Notifier.Handle(ctx, ev)
		}
	}
}
