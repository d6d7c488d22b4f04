package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marketfeed/internal/binance"
	"marketfeed/internal/config"
	"marketfeed/internal/server"
	"marketfeed/internal/stream"
	"marketfeed/internal/types"
)

func main() {
	var (
		symbols  = flag.String("symbols", "BTCUSDT", "Comma-separated symbols to stream")
		interval = flag.String("interval", "1h", "Kline interval")
		limit    = flag.Int("limit", 24, "Retained candle series length")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	rest := binance.NewClient(cfg.REST.KlineURL, cfg.REST.DepthURL, cfg.REST.Timeout, logger)
	client := stream.NewClient(cfg.Stream, rest, logger)
	defer client.Close()

	dash := server.New(logger)

	symbolList := strings.Split(*symbols, ",")
	logger.Info("subscribing",
		zap.Strings("symbols", symbolList),
		zap.String("interval", *interval))

	unsubscribe := client.Subscribe(
		symbolList,
		[]string{*interval},
		[]types.StreamKind{types.StreamKline, types.StreamDepth, types.StreamTicker},
		dash.Callbacks(),
		types.GroupByHour,
		*limit,
	)
	defer unsubscribe()

	go func() {
		if err := dash.Run(cfg.Server.Addr); err != nil {
			logger.Fatal("dashboard server failed", zap.Error(err))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	logger.Info("shutting down")
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
