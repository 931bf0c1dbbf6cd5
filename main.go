package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/dnldd/chartdesk/service"
	"github.com/dnldd/chartdesk/shared"
	"github.com/rs/zerolog/log"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Error().Msgf("loading config: %v", err)
		return
	}

	timeframe, err := shared.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		log.Error().Msgf("parsing timeframe: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deskCfg := service.DeskConfig{
		Symbols:          cfg.Symbols,
		Timeframe:        timeframe,
		AccountID:        cfg.AccountID,
		KlineURL:         cfg.KlineURL,
		StreamURL:        cfg.StreamURL,
		TradingURL:       cfg.TradingURL,
		AccountStreamURL: cfg.AccountStreamURL,
		DatabaseEndpoint: cfg.DBEndpoint,
		DatabaseUser:     cfg.DBUser,
		DatabasePass:     cfg.DBPass,
		Timezone:         cfg.Timezone,
		RefreshInterval:  time.Duration(cfg.RefreshSeconds) * time.Second,
		CandleLimit:      cfg.CandleLimit,
		Imbalances:       cfg.Imbalances,
	}
	desk, err := service.NewDesk(ctx, &deskCfg)
	if err != nil {
		log.Error().Msgf("creating chart desk service: %v", err)
		return
	}

	go handleTermination(ctx, cancel)
	desk.Run(ctx)
}
