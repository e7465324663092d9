package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"unitrader/internal/cfg"
	"unitrader/internal/exchange/bybit"
	"unitrader/internal/exec"
	"unitrader/internal/journal"
	"unitrader/internal/metrics"
	"unitrader/internal/reconcile"
	signalsrc "unitrader/internal/signal"
	"unitrader/internal/state"
)

func main() {
	_ = godotenv.Load()
	configureLogging()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable state must load before any trading action. A corrupt record
	// is fatal: the engine never guesses its starting position.
	store, err := state.NewStore(c.StatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("state store init failed")
	}
	if err := store.Load(); err != nil {
		if errors.Is(err, state.ErrCorrupt) {
			log.Fatal().Err(err).Msg("durable state is corrupt, refusing to start")
		}
		log.Fatal().Err(err).Msg("state load failed")
	}

	jr := initializeJournal(c)
	if jr != nil {
		defer jr.Close()
	}

	m := metrics.New()
	gateway := bybit.NewREST(c.Key, c.Secret, c.BaseURL, c.RESTTimeout, c.MaxRetries)

	src, err := newSignalSource(c)
	if err != nil {
		log.Fatal().Err(err).Msg("signal source init failed")
	}

	coordinator, err := exec.New(c, store, gateway, src, jr, m)
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator init failed")
	}
	reconciler, err := reconcile.New(c, store, gateway, jr, m)
	if err != nil {
		log.Fatal().Err(err).Msg("reconciler init failed")
	}

	applyLeverage(ctx, gateway, c)

	// Converge on exchange truth once before the first signal is handled.
	for _, sym := range c.Symbols {
		if err := reconciler.Tick(ctx, sym); err != nil {
			log.Fatal().Err(err).Str("symbol", sym).Msg("startup reconciliation failed")
		}
	}

	// Communication channels
	candles := make(chan bybit.CandleEvent, 64)
	orders := make(chan bybit.OrderEvent, 64)
	positions := make(chan bybit.PositionEvent, 64)
	errs := make(chan error, 32)
	kick := make(chan string, 16)

	startMetricsServer(ctx, c)
	startStreams(ctx, c, candles, orders, positions, errs)

	var wg sync.WaitGroup
	startReconciler(ctx, &wg, reconciler, kick)
	startErrorHandler(ctx, &wg, errs, m)
	startCandleHandler(ctx, &wg, c, candles, gateway, coordinator, m)
	startAccountEventHandler(ctx, &wg, orders, positions, kick, m)

	log.Info().
		Strs("symbols", c.Symbols).
		Str("mode", c.AccountMode).
		Bool("dry_run", c.DryRun).
		Msg("engine started")

	waitForShutdown(ctx, cancel, &wg)
}

func configureLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := zerolog.ParseLevel(lvl)
		if err != nil {
			log.Warn().Str("level", lvl).Msg("unknown LOG_LEVEL, using info")
			return
		}
		zerolog.SetGlobalLevel(parsed)
	}
}

// initializeJournal opens the trade journal if DATA_PATH is configured.
func initializeJournal(c cfg.Settings) *journal.Store {
	if c.DataPath == "" {
		return nil
	}
	jr, err := journal.Open(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable, continuing without it")
		return nil
	}
	return jr
}

func newSignalSource(c cfg.Settings) (signalsrc.Source, error) {
	if c.SignalURL == "" {
		return nil, fmt.Errorf("SIGNAL_URL is required")
	}
	return signalsrc.NewHTTPSource(c.SignalURL, c.SignalTimeout), nil
}

// applyLeverage sets the configured leverage per symbol. Failure is not
// fatal: the account may already carry the right setting.
func applyLeverage(ctx context.Context, gateway *bybit.Client, c cfg.Settings) {
	for _, sym := range c.Symbols {
		if err := gateway.SetLeverage(ctx, sym, c.Leverage); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Int("leverage", c.Leverage).
				Msg("failed to apply leverage")
		}
	}
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startStreams runs the public kline stream and the private account stream,
// each with its own reconnect loop.
func startStreams(ctx context.Context, c cfg.Settings,
	candles chan bybit.CandleEvent, orders chan bybit.OrderEvent,
	positions chan bybit.PositionEvent, errs chan error,
) {
	ev := bybit.Events{Candles: candles, Orders: orders, Positions: positions, Errors: errs}

	topics := make([]string, 0, len(c.Symbols))
	for _, sym := range c.Symbols {
		topics = append(topics, fmt.Sprintf("kline.%s.%s", c.Interval, sym))
	}
	public := bybit.NewPublicWS(c.WsPublicURL)
	go func() {
		if err := public.Stream(ctx, topics, ev, c.Ping); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("public stream ended")
			errs <- err
		}
	}()

	private := bybit.NewPrivateWS(c.WsPrivateURL, c.Key, c.Secret)
	go func() {
		if err := private.Stream(ctx, []string{"order", "position"}, ev, c.Ping); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("private stream ended")
			errs <- err
		}
	}()
}

func startReconciler(ctx context.Context, wg *sync.WaitGroup, r *reconcile.Reconciler, kick chan string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx, kick)
	}()
}

// startErrorHandler drains the background error channel into logs and
// counters. Only stream disconnects count as reconnects; parse and
// handler failures land in the general error counter alone.
func startErrorHandler(ctx context.Context, wg *sync.WaitGroup, errs chan error, m *metrics.Metrics) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Error().Err(err).Msg("background error")
				if errors.Is(err, bybit.ErrReconnect) {
					m.WSReconnects.Inc()
				}
				m.ErrorsTotal.Inc()
			}
		}
	}()
}

// startCandleHandler feeds confirmed candles through the execution
// pipeline. Unconfirmed updates are dropped: the engine trades closed
// candles only.
func startCandleHandler(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings,
	candles chan bybit.CandleEvent, gateway *bybit.Client,
	coordinator *exec.Coordinator, m *metrics.Metrics,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case candle := <-candles:
				m.EventsReceived.Inc()
				if !candle.Confirm {
					continue
				}
				handleCandle(ctx, c, candle, gateway, coordinator, m)
			}
		}
	}()
}

func handleCandle(ctx context.Context, c cfg.Settings, candle bybit.CandleEvent,
	gateway *bybit.Client, coordinator *exec.Coordinator, m *metrics.Metrics,
) {
	hctx, cancel := context.WithTimeout(ctx, 2*c.FlattenTimeout+c.OrderTimeout)
	defer cancel()

	mkt := signalsrc.MarketContext{
		Instrument:  candle.Symbol,
		LastPrice:   candle.Close,
		Volatility:  candleRange(candle),
		CandleClose: candle.End,
	}
	if ticker, err := gateway.GetTicker(hctx, candle.Symbol); err == nil {
		mkt.Bid = ticker.Bid
		mkt.Ask = ticker.Ask
		if ticker.LastPrice > 0 {
			mkt.LastPrice = ticker.LastPrice
		}
	} else {
		log.Warn().Err(err).Str("symbol", candle.Symbol).Msg("ticker fetch failed, using candle close")
	}

	if err := coordinator.HandleSignal(hctx, mkt); err != nil {
		m.ErrorsTotal.Inc()
		log.Error().Err(err).Str("symbol", candle.Symbol).Msg("signal handling failed")
	}
}

// candleRange is the relative high-low range of the candle, used as the
// volatility input to the risk policy's floor.
func candleRange(c bybit.CandleEvent) float64 {
	if c.Close <= 0 {
		return 0
	}
	return (c.High - c.Low) / c.Close
}

// startAccountEventHandler turns private order and position pushes into
// reconciliation kicks so divergence is repaired within one pass instead of
// waiting for the next interval.
func startAccountEventHandler(ctx context.Context, wg *sync.WaitGroup,
	orders chan bybit.OrderEvent, positions chan bybit.PositionEvent,
	kick chan string, m *metrics.Metrics,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			var symbol string
			select {
			case <-ctx.Done():
				return
			case o := <-orders:
				log.Debug().
					Str("symbol", o.Symbol).
					Str("client_order_id", o.ClientOrderID).
					Str("status", string(o.Status)).
					Msg("order push")
				symbol = o.Symbol
			case p := <-positions:
				log.Debug().
					Str("symbol", p.Symbol).
					Str("side", string(p.Side)).
					Float64("qty", p.Qty).
					Msg("position push")
				symbol = p.Symbol
			}
			m.EventsReceived.Inc()

			select {
			case kick <- symbol:
			default:
				// A pass is already queued; the periodic tick covers the rest.
			}
		}
	}()
}

// waitForShutdown blocks until a signal arrives, then stops all goroutines
// with a bounded grace period.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
