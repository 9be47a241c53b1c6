// Package config loads service configuration from a YAML file layered
// over built-in defaults. DOM selectors live here rather than in code:
// the chat application's markup changes more often than our release
// cadence, so selectors are deployment data.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Chat      ChatConfig      `yaml:"chat"`
	Browser   BrowserConfig   `yaml:"browser"`
	Admission AdmissionConfig `yaml:"admission"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// RedisConfig describes the backing store shared by the queue and the
// key-value layer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChatConfig holds the target chat application's URL scheme and the DOM
// selectors the orchestration engine probes.
type ChatConfig struct {
	// BaseURL is the chat application root, e.g. "https://web.example-chat.com".
	BaseURL string `yaml:"base_url"`

	// SendURLTemplate builds a direct-to-recipient URL; %s receives the
	// E.164 phone number without the leading plus.
	SendURLTemplate string `yaml:"send_url_template"`

	Selectors Selectors `yaml:"selectors"`

	// BanPhrases are the page-text fragments that indicate the account
	// has been blocked by the chat provider.
	BanPhrases []string `yaml:"ban_phrases"`
}

// Selectors names the DOM anchors the engine samples and drives.
type Selectors struct {
	// QRCode matches the login QR element shown before authentication.
	QRCode string `yaml:"qr_code"`

	// AuthAnchor matches a UI element only present while authenticated.
	AuthAnchor string `yaml:"auth_anchor"`

	// ChatReady matches the message composer once a conversation is open.
	ChatReady string `yaml:"chat_ready"`

	// InvalidRecipient matches the dialog shown for an unknown number.
	InvalidRecipient string `yaml:"invalid_recipient"`

	// MessageInput receives the message text.
	MessageInput string `yaml:"message_input"`

	// SendButton is the fallback submit control when keyboard submission
	// does not register.
	SendButton string `yaml:"send_button"`

	// SentConfirmation matches the delivery tick on the last sent message.
	SentConfirmation string `yaml:"sent_confirmation"`
}

// BrowserConfig controls the automation resource.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`

	// UserDataDir persists the chat session profile across restarts.
	UserDataDir string `yaml:"user_data_dir"`

	// MemoryLimitMB triggers a resource restart when the page heap
	// exceeds it. Zero disables the monitor.
	MemoryLimitMB int `yaml:"memory_limit_mb"`

	// PollInterval is the signal-sampling period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LivenessInterval is the liveness-probe period.
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// AdmissionConfig tunes the daily ramp and circuit breaker.
type AdmissionConfig struct {
	BaseDailyLimit   int           `yaml:"base_daily_limit"`
	DailyLimitStep   int           `yaml:"daily_limit_step"`
	MaxDailyLimit    int           `yaml:"max_daily_limit"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// HTTPConfig configures the ingress listener.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration. Selector values default to
// empty and must come from the deployment's config file.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Browser: BrowserConfig{
			Headless:         true,
			UserDataDir:      ".relaygate/profile",
			MemoryLimitMB:    512,
			PollInterval:     5 * time.Second,
			LivenessInterval: 30 * time.Second,
		},
		Admission: AdmissionConfig{
			BaseDailyLimit:   100,
			DailyLimitStep:   50,
			MaxDailyLimit:    2000,
			FailureThreshold: 5,
			BreakerCooldown:  5 * time.Minute,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// an error: running against default selectors would probe nothing.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c Config) Validate() error {
	if c.Chat.BaseURL == "" {
		return fmt.Errorf("chat.base_url is required")
	}
	if c.Chat.SendURLTemplate == "" {
		return fmt.Errorf("chat.send_url_template is required")
	}
	sel := c.Chat.Selectors
	required := map[string]string{
		"qr_code":           sel.QRCode,
		"auth_anchor":       sel.AuthAnchor,
		"chat_ready":        sel.ChatReady,
		"invalid_recipient": sel.InvalidRecipient,
		"message_input":     sel.MessageInput,
		"sent_confirmation": sel.SentConfirmation,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("chat.selectors.%s is required", name)
		}
	}
	if len(c.Chat.BanPhrases) == 0 {
		return fmt.Errorf("chat.ban_phrases is required")
	}
	return nil
}
