package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds process configuration parsed from environment variables.
// Catch-all rules live in the separate, hot-reloadable rule file.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Listen is the host:port the SMTP front accepts connections on.
	Listen string `koanf:"listen" validate:"required,host_port"`

	// Hostname is announced in the SMTP greeting and in EHLO to the downstream MTA.
	Hostname string `koanf:"hostname" validate:"required,hostname_rfc1123"`

	// Downstream is the host:port of the MTA that receives relayed mail.
	Downstream string `koanf:"downstream" validate:"required,host_port"`

	// RulesFile is the YAML, JSON or TOML file holding catch-all rules and the database section.
	RulesFile string `koanf:"rules_file" validate:"required"`

	// Directory selects how known mailboxes are looked up: "none", "static" or "sql".
	Directory string `koanf:"directory" validate:"required,oneof=none static sql"`

	// Mailboxes lists known addresses for the static directory.
	Mailboxes []string `koanf:"mailboxes" validate:"required_if=Directory static,dive,email"`

	// AddOrigToHeader appends the original recipient to X-OrigTo on rewritten messages.
	AddOrigToHeader bool `koanf:"add_orig_to_header"`

	// RejectOnBlock rejects blocked recipients with 550 instead of passing them through unchanged.
	RejectOnBlock bool `koanf:"reject_on_block"`

	// BlocklistPolicy decides what a failing blocklist store means: "open" (not blocked) or "closed" (blocked).
	BlocklistPolicy string `koanf:"blocklist_policy" validate:"required,oneof=open closed"`

	// StoreTimeout bounds each blocklist check and audit write.
	StoreTimeout time.Duration `koanf:"store_timeout" validate:"gt=0"`

	// TrackerSize caps pending rewrite decisions awaiting finalization.
	TrackerSize int `koanf:"tracker_size" validate:"gte=1"`

	// TrackerTTL expires decisions whose message never finalized.
	TrackerTTL time.Duration `koanf:"tracker_ttl" validate:"gt=0"`

	// MaxRecipients limits RCPT TO commands per transaction.
	MaxRecipients int `koanf:"max_recipients" validate:"gte=1"`

	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,host_port"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:             "prod",
	LogLevel:        "info",
	Listen:          "0.0.0.0:2525",
	Hostname:        "localhost",
	Downstream:      "127.0.0.1:25",
	RulesFile:       "/etc/rr-catchall/rules.yaml",
	Directory:       "none",
	AddOrigToHeader: true,
	RejectOnBlock:   true,
	BlocklistPolicy: "open",
	StoreTimeout:    2 * time.Second,
	TrackerSize:     10000,
	TrackerTTL:      30 * time.Minute,
	MaxRecipients:   100,
	ReadTimeout:     60 * time.Second,
	WriteTimeout:    60 * time.Second,
}

// validHostPort reports whether the field is "host:port" with a non-empty
// port in 1..65535. The host part may be empty (all interfaces), an IP or a name.
func validHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// envLoader loads environment variables with the prefix "CATCHALL_".
// Values containing spaces or commas become lists. Replaceable in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.ProviderWithValue("CATCHALL_", ".",
		func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "CATCHALL_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into k.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "host_port" rule.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("host_port", validHostPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
