package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration lets config values be written as "30s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

type config struct {
	BaseURL string `yaml:"baseURL"`
	Token   string `yaml:"token"`

	MaxRetries  int      `yaml:"maxRetries"`
	BaseDelay   duration `yaml:"baseDelay"`
	BreakerMax  int      `yaml:"breakerMaxFailures"`
	BreakerCool duration `yaml:"breakerCooldown"`

	ProfileTTL       duration `yaml:"profileTTL"`
	SubscriptionTTL  duration `yaml:"subscriptionTTL"`
	ConversationsTTL duration `yaml:"conversationsTTL"`

	MaxInputLen      int `yaml:"maxInputLen"`
	MaxMessages      int `yaml:"maxMessages"`
	MaxConversations int `yaml:"maxConversations"`

	LogLevel string `yaml:"logLevel"`
}

func defaultConfig() config {
	return config{
		BaseURL:          "http://localhost:8080",
		MaxRetries:       3,
		BaseDelay:        duration(time.Second),
		BreakerMax:       5,
		BreakerCool:      duration(30 * time.Second),
		ProfileTTL:       duration(5 * time.Minute),
		SubscriptionTTL:  duration(10 * time.Minute),
		ConversationsTTL: duration(time.Minute),
		MaxInputLen:      4000,
		MaxMessages:      50,
		MaxConversations: 20,
		LogLevel:         "info",
	}
}

// loadConfig reads the yaml config at path over the defaults. A missing file is not an error;
// the defaults apply.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
