package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"quotebot/config"
	"quotebot/internal/book"
	"quotebot/internal/gate"
	"quotebot/internal/robot"
	"quotebot/logger"
)

func main() {
	log := logger.Component("main")

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Quotebot.Name,
		"version":     cfg.Quotebot.Version,
		"run_id":      uuid.NewString(),
		"environment": config.Environment(),
	}).Info("starting quotebot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Cloudwatch.Enabled {
		logger.EnableCloudWatch(cfg.Metrics.Cloudwatch.Region, cfg.Metrics.Cloudwatch.Namespace)
	}
	if strings.EqualFold(cfg.Logging.Level, "report") {
		logger.StartReport(ctx, time.Duration(cfg.Metrics.ReportSecs)*time.Second)
	}

	channel := gate.NewChannel(cfg.Gate.GateAddress(), cfg.Gate.Login, cfg.Gate.Account, cfg.Gate.FirstRequest)
	observer := book.NewObserver(cfg.Book.Endpoint, cfg.Robot.Instrument)

	bot := robot.New(robot.Config{
		TradeVolume: cfg.Robot.QuoteVolume,
		Interest:    cfg.Robot.InterestScaled(),
		Shift:       cfg.Robot.ShiftScaled(),
		Instrument:  cfg.Robot.Instrument,
		Increment:   cfg.Robot.IncrementScaled(),
		MaxPosition: cfg.Robot.MaxPosition,
		Position:    cfg.Robot.InitialPosition,
		FloodLimit:  cfg.Robot.FloodLimit,
	}, channel)

	channel.SetMessageHandler(bot)
	// Depth 2 lets the engine see the best price underneath its own order.
	observer.SetListener(bot, 2)

	if err := bot.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start robot")
		os.Exit(1)
	}
	if err := channel.Connect(ctx); err != nil {
		log.WithError(err).Error("Failed to connect to trading gate")
		os.Exit(1)
	}
	if err := observer.Connect(ctx); err != nil {
		log.WithError(err).Error("Failed to connect to book feed")
		channel.Close()
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	bot.ExitHook()
	// Leave the mass cancel a moment on the wire before tearing down.
	time.Sleep(500 * time.Millisecond)

	observer.Close()
	channel.Close()
	cancel()

	log.WithFields(logger.Fields{"last_request": bot.LastRequestID()}).Info("quotebot stopped")
}
