package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/service"
)

var (
	enqueueDestination string
	enqueueFormat      string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>...",
	Short: "Publish import requests for the worker",
	Long:  "Sends each file as an import request to the import exchange, where the worker consumes it.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.RequireRabbitMQ(); err != nil {
			return err
		}
		if !db.Destination(enqueueDestination).Valid() {
			return eris.Errorf("unknown destination %q", enqueueDestination)
		}

		messages := make([]service.ImportMessage, 0, len(args))
		for _, path := range args {
			msg, err := importMessage(path, enqueueDestination, enqueueFormat)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}

		conn, err := mq.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			return eris.Wrap(err, "open channel")
		}
		defer ch.Close()

		err = ch.ExchangeDeclare(
			cfg.RabbitMQ.ImportExchange,
			"topic",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return eris.Wrap(err, "declare import exchange")
		}

		for _, msg := range messages {
			body, err := json.Marshal(msg)
			if err != nil {
				return eris.Wrapf(err, "marshal import request for %s", msg.FileName)
			}
			err = ch.PublishWithContext(ctx,
				cfg.RabbitMQ.ImportExchange,
				cfg.RabbitMQ.ImportRoutingKey,
				false,
				false,
				amqp.Publishing{
					ContentType:  "application/json",
					MessageId:    msg.RequestID,
					Timestamp:    time.Now().UTC(),
					DeliveryMode: amqp.Persistent,
					Body:         body,
				},
			)
			if err != nil {
				return eris.Wrapf(err, "publish import request for %s", msg.FileName)
			}
			logger.Info("import request published",
				zap.String("request_id", msg.RequestID),
				zap.String("file_name", msg.FileName),
				zap.Int("body_size", len(body)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s request_id=%s\n", msg.FileName, msg.RequestID)
		}
		return nil
	},
}

func importMessage(path, destination, format string) (service.ImportMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return service.ImportMessage{}, eris.Wrapf(err, "read %s", path)
	}
	name := filepath.Base(path)
	f, err := service.ParseFormat(format, name)
	if err != nil {
		return service.ImportMessage{}, err
	}
	return service.ImportMessage{
		RequestID:   uuid.NewString(),
		FileName:    name,
		Destination: destination,
		Format:      string(f),
		UploadedAt:  time.Now().UTC().Format(time.RFC3339),
		Content:     base64.StdEncoding.EncodeToString(content),
	}, nil
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueDestination, "destination", "", "installation or replacement")
	enqueueCmd.Flags().StringVar(&enqueueFormat, "format", "", "csv or xlsx (default from the file extension)")
	rootCmd.AddCommand(enqueueCmd)
}
