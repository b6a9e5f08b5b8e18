package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgekit/cloudlink/pkg/file"
)

// Defaults matching the reference device client.
const (
	DefaultPrivateKeyFile = "ec_private.pem"
	DefaultKeyBufferSize  = 256
	DefaultTokenExpiry    = 3600 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 20 * time.Second
	DefaultTopic          = "Channel"
	DefaultMessage        = "Message"
	DefaultInterval       = 10 * time.Second
)

// Config represents the structure of the configuration file. CLI flags
// override whatever the file provides.
type Config struct {
	MQTT struct {
		Broker         string        `yaml:"broker"`          // MQTT broker address
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate, empty for plain TCP
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Protocol-level connect timeout
		KeepAlive      time.Duration `yaml:"keepalive"`       // Broker keepalive interval
	} `yaml:"mqtt"`

	Identity struct {
		ProjectID  string `yaml:"project_id"`  // Cloud project the device belongs to
		DevicePath string `yaml:"device_path"` // Full device path, used as the MQTT client ID
	} `yaml:"identity"`

	Security struct {
		PrivateKeyFile     string        `yaml:"private_key_file"`     // Path to the ES256 private key
		KeyBufferSize      int64         `yaml:"key_buffer_size"`      // Maximum accepted key file size
		TokenExpiry        time.Duration `yaml:"token_expiry"`         // Validity window of signed tokens
		RefreshOnReconnect bool          `yaml:"refresh_on_reconnect"` // Re-sign near-expired tokens before reconnecting
	} `yaml:"security"`

	Publish struct {
		Topic        string        `yaml:"topic"`         // Topic for the periodic publish and the subscription
		Message      string        `yaml:"message"`       // Payload of the periodic publish
		Interval     time.Duration `yaml:"interval"`      // Interval between scheduled publishes
		QOS          int           `yaml:"qos"`           // QoS for outbound messages
		SubscribeQOS int           `yaml:"subscribe_qos"` // QoS for the subscription
	} `yaml:"publish"`
}

// Default returns a Config populated with the reference defaults.
func Default() *Config {
	var c Config
	c.MQTT.ConnectTimeout = DefaultConnectTimeout
	c.MQTT.KeepAlive = DefaultKeepAlive
	c.Security.PrivateKeyFile = DefaultPrivateKeyFile
	c.Security.KeyBufferSize = DefaultKeyBufferSize
	c.Security.TokenExpiry = DefaultTokenExpiry
	c.Publish.Topic = DefaultTopic
	c.Publish.Message = DefaultMessage
	c.Publish.Interval = DefaultInterval
	c.Publish.QOS = 1
	c.Publish.SubscribeQOS = 2
	return &c
}

// Load reads the YAML configuration from the specified file over the
// defaults. It returns a pointer to the Config struct and an error if
// loading fails.
func Load(filename string, fileClient file.FileOperations) (*Config, error) {
	config := Default()
	if err := fileClient.ReadYamlFile(filename, config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the required identity parameters and reports every missing
// one by name, so the operator can fix them all in one pass.
func (c *Config) Validate() error {
	var missing []string
	if c.Identity.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if c.Identity.DevicePath == "" {
		missing = append(missing, "device_path")
	}
	if c.Publish.Topic == "" {
		missing = append(missing, "topic")
	}
	if c.MQTT.Broker == "" {
		missing = append(missing, "broker")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}

	if c.Security.TokenExpiry <= 0 {
		return errors.New("token_expiry must be positive")
	}
	if c.Publish.Interval <= 0 {
		return errors.New("publish interval must be positive")
	}
	return nil
}
