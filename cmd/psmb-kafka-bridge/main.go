// Command psmb-kafka-bridge republishes records from external Kafka
// topics as PSMB MSG frames. It only runs when PSMB_KAFKA_BRIDGE_BROKERS
// is configured; absent that, there is nothing to bridge and the process
// exits immediately.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/adred-codev/psmb/internal/bridge"
	"github.com/adred-codev/psmb/internal/config"
	"github.com/adred-codev/psmb/internal/logging"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootstrapLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatConsole})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})

	if cfg.KafkaBridgeBrokers == "" {
		logger.Info().Msg("PSMB_KAFKA_BRIDGE_BROKERS not set, nothing to bridge")
		return
	}

	brokerAddr := cfg.Addr
	if brokerAddr == "0.0.0.0" {
		brokerAddr = "127.0.0.1"
	}

	b, err := bridge.New(bridge.Config{
		Brokers:       strings.Split(cfg.KafkaBridgeBrokers, ","),
		Topics:        strings.Split(cfg.KafkaBridgeTopics, ","),
		ConsumerGroup: cfg.KafkaBridgeGroup,
		BrokerAddr:    brokerAddr + ":" + strconv.Itoa(cfg.Port),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct kafka bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start kafka bridge")
	}
	logger.Info().Str("brokers", cfg.KafkaBridgeBrokers).Str("topics", cfg.KafkaBridgeTopics).Msg("kafka bridge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down kafka bridge")
	cancel()
	b.Stop()
}
