package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"txt2img/pkg/config"
	"txt2img/pkg/logging"
	"txt2img/pkg/messaging"
	"txt2img/pkg/queue"
	"txt2img/pkg/worker"
)

const publishTimeout = 10 * time.Second

func main() {
	chatID := flag.Int64("chat", 0, "chat id to correlate the reply with")
	messageID := flag.Int64("message", 0, "message id to correlate the reply with")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: go run . [-chat id] [-message id] <prompt>")
		flag.PrintDefaults()
	}
	flag.Parse()

	req, err := buildRequest(flag.Args(), *chatID, *messageID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadQueue()
	if err != nil {
		fallback := logging.New("production", "")
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	if err := send(cfg, req, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to enqueue request")
	}
	logger.Info().
		Str("queue", cfg.InboundQueue).
		Int64("chat_id", req.ChatID).
		Int64("message_id", req.MessageID).
		Msg("request enqueued")
}

// buildRequest joins the remaining arguments into a prompt
func buildRequest(args []string, chatID, messageID int64) (messaging.GenerationRequest, error) {
	req := messaging.GenerationRequest{
		Prompt:    strings.TrimSpace(strings.Join(args, " ")),
		ChatID:    chatID,
		MessageID: messageID,
	}
	if err := req.Validate(); err != nil {
		return messaging.GenerationRequest{}, err
	}
	return req, nil
}

func send(cfg config.Config, req messaging.GenerationRequest, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	var publisher worker.Publisher
	switch cfg.QueueDriver {
	case config.DriverKafka:
		k := queue.NewKafka(queue.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID}, logger)
		defer k.Close()
		publisher = k
	default:
		rabbit, err := queue.NewRabbitMQ(cfg.AMQPURL, cfg.Exchange, logger)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		if err := rabbit.DeclareTopology(cfg.InboundQueue); err != nil {
			return err
		}
		publisher = rabbit
	}
	return publisher.Publish(ctx, cfg.InboundQueue, req)
}
