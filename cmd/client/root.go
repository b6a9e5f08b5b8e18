package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edgekit/cloudlink/internal/config"
	"github.com/edgekit/cloudlink/internal/messaging"
	"github.com/edgekit/cloudlink/internal/supervisor"
	"github.com/edgekit/cloudlink/pkg/credentials"
	"github.com/edgekit/cloudlink/pkg/file"
	"github.com/edgekit/cloudlink/pkg/mqtt"
)

var flags struct {
	configFile     string
	broker         string
	projectID      string
	devicePath     string
	topic          string
	message        string
	privateKeyFile string
}

var rootCmd = &cobra.Command{
	Use:   "cloudlink",
	Short: "Single-connection MQTT client that authenticates with short-lived signed tokens",
	Long: `cloudlink maintains one logical connection to a cloud MQTT broker.
It signs an ES256 JWT from a PEM private key, presents it as the connection
password, publishes a message on a fixed topic on a schedule, and reconnects
automatically when the broker drops the connection.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.configFile, "config", "", "path to a YAML configuration file")
	rootCmd.Flags().StringVar(&flags.broker, "broker", "", "MQTT broker address (e.g. tls://mqtt.example.com:8883)")
	rootCmd.Flags().StringVarP(&flags.projectID, "project-id", "p", "", "cloud project identifier (required)")
	rootCmd.Flags().StringVarP(&flags.devicePath, "device-path", "d", "", "full device path, used as the client ID (required)")
	rootCmd.Flags().StringVarP(&flags.topic, "topic", "t", "", "publish/subscribe topic (required)")
	rootCmd.Flags().StringVarP(&flags.message, "message", "m", "", "payload for the scheduled publish")
	rootCmd.Flags().StringVarP(&flags.privateKeyFile, "private-key-file", "f", "", "path to the PEM encoded ES256 private key")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	fileClient := file.NewFileService()

	provider := credentials.NewProvider(cfg.Identity.ProjectID, cfg.Identity.DevicePath,
		cfg.Security.KeyBufferSize, fileClient, logger)

	cred, err := provider.Load(cfg.Security.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("error loading private key: %w", err)
	}

	events := make(chan mqtt.Event, 16)
	transport := mqtt.NewPahoTransport(cfg.MQTT.Broker, events, logger)
	if cfg.MQTT.CACertificate != "" {
		if err := transport.InitTLS(cfg.MQTT.CACertificate, fileClient); err != nil {
			return fmt.Errorf("failed to initialize transport: %w", err)
		}
	}

	facade := messaging.NewFacade(transport, logger)
	facade.Register(cfg.Publish.Topic, byte(cfg.Publish.SubscribeQOS), func(topic string, payload []byte) {
		logger.Info().Str("topic", topic).Str("payload", string(payload)).Msg("Received message")
	})

	sup := supervisor.New(supervisor.Config{
		DevicePath:              cfg.Identity.DevicePath,
		TokenExpiry:             cfg.Security.TokenExpiry,
		RefreshTokenOnReconnect: cfg.Security.RefreshOnReconnect,
		ConnectTimeout:          cfg.MQTT.ConnectTimeout,
		KeepAlive:               cfg.MQTT.KeepAlive,
		PublishTopic:            cfg.Publish.Topic,
		PublishPayload:          []byte(cfg.Publish.Message),
		PublishQOS:              byte(cfg.Publish.QOS),
		PublishInterval:         cfg.Publish.Interval,
	}, transport, provider, cred, facade, events, logger)

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		return err
	}

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopCh
		sup.Shutdown()
	}()

	return sup.Run(ctx)
}

// buildConfig merges the optional configuration file with CLI overrides and
// checks the required parameters before any key is read or socket opened.
func buildConfig() (*config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		loaded, err := config.Load(flags.configFile, file.NewFileService())
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	if flags.broker != "" {
		cfg.MQTT.Broker = flags.broker
	}
	if flags.projectID != "" {
		cfg.Identity.ProjectID = flags.projectID
	}
	if flags.devicePath != "" {
		cfg.Identity.DevicePath = flags.devicePath
	}
	if flags.topic != "" {
		cfg.Publish.Topic = flags.topic
	}
	if flags.message != "" {
		cfg.Publish.Message = flags.message
	}
	if flags.privateKeyFile != "" {
		cfg.Security.PrivateKeyFile = flags.privateKeyFile
	}

	if missing := missingParameters(cfg); len(missing) > 0 {
		return nil, fmt.Errorf("required parameter(s) missing: %s", strings.Join(missing, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// missingParameters names every absent required parameter by its flag, so a
// single run reports them all.
func missingParameters(cfg *config.Config) []string {
	var missing []string
	if cfg.Identity.ProjectID == "" {
		missing = append(missing, "-p --project-id")
	}
	if cfg.Identity.DevicePath == "" {
		missing = append(missing, "-d --device-path")
	}
	if cfg.Publish.Topic == "" {
		missing = append(missing, "-t --topic")
	}
	if cfg.MQTT.Broker == "" {
		missing = append(missing, "--broker")
	}
	return missing
}
