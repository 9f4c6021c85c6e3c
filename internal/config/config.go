package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultSettleWait        = 10 * time.Second
	DefaultSubscribeAttempts = 10
	DefaultSendTimeout       = 30 * time.Second
	DefaultZwritePath        = "zwrite"
	DefaultHelperPath        = "zmirror-zephyr-helper"
	DefaultAPIKeyEnv         = "ZULIP_API_KEY"
	DefaultInstance          = "test"
)

// Config is the top-level site configuration for the probe.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Zulip  ZulipConfig  `yaml:"zulip"`
	Zephyr ZephyrConfig `yaml:"zephyr"`
	Probe  ProbeConfig  `yaml:"probe"`

	// Destinations is the plain test set, probed when --sharded is unset.
	Destinations []Destination `yaml:"destinations"`

	// ShardedDestinations is the sharded test set. An invocation with
	// --sharded TAGS probes the entries whose shard tag appears in TAGS.
	ShardedDestinations []Destination `yaml:"sharded_destinations"`
}

// ZulipConfig holds the chat-service credentials and endpoint.
type ZulipConfig struct {
	// Site is the base URL of the Zulip server (https://host[:port]).
	Site string `yaml:"site"`

	// Email is the bot address the probe authenticates and sends as.
	// Personal-destination test messages are addressed back to it.
	Email string `yaml:"email"`

	// APIKeyEnv is the name of the environment variable that holds the
	// bot's API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey returns the API key resolved from the environment.
// Returns empty string if APIKeyEnv is unset or the variable is not found.
func (z ZulipConfig) APIKey() string {
	if z.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(z.APIKeyEnv)
}

// ZephyrConfig holds the broadcast-side identity and tool paths.
type ZephyrConfig struct {
	// Account is the Kerberos principal the probe runs as. Personal
	// destinations with no explicit recipient are addressed to it.
	Account string `yaml:"account"`

	// ZwritePath is the CLI mailer used for the broadcast-side sends.
	ZwritePath string `yaml:"zwrite_path"`

	// HelperPath is the subscription helper the probe drives to receive
	// notices (see internal/zephyr).
	HelperPath string `yaml:"helper_path"`

	// Signature is the sender signature attached to outgoing notices.
	// Empty means the mailer's default.
	Signature string `yaml:"signature"`
}

// ProbeConfig holds run-shape tunables.
type ProbeConfig struct {
	// SettleWait is how long the probe sleeps after the last send before
	// collecting results, giving the mirroring scripts time to relay.
	SettleWait time.Duration `yaml:"settle_wait"`

	// SubscribeAttempts bounds how many times the subscription is
	// established and verified before the run is declared failed.
	SubscribeAttempts int `yaml:"subscribe_attempts"`

	// SendTimeout bounds each individual send (HTTP call or mailer run).
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// Destination is one place test messages are sent to: either a class
// (mirrored to the Zulip stream of the same name, topic = instance) or a
// personal exchanged between the probe's own accounts.
type Destination struct {
	// Class is the broadcast class / stream name. Empty for personals.
	Class string `yaml:"class"`

	// Instance is the class instance / stream topic. Defaults to "test".
	Instance string `yaml:"instance"`

	// Personal marks a direct-message destination.
	Personal bool `yaml:"personal"`

	// Recipient is the principal a personal is addressed to. Defaults to
	// zephyr.account.
	Recipient string `yaml:"recipient"`

	// Shard is the single-character shard tag. For class destinations the
	// hex SHA-1 of Class must start with it; personals conventionally use
	// "p". Empty means untagged.
	Shard string `yaml:"shard"`
}

// String renders the destination for log lines.
func (d Destination) String() string {
	if d.Personal {
		return "personal:" + d.Recipient
	}
	return d.Class + "/" + d.Instance
}

// Load resolves the effective configuration: built-in defaults, overlaid
// by the YAML file at opts.ConfigPath when set, overlaid by flag
// overrides, then validated once.
func Load(opts Options) (*Config, error) {
	cfg := defaults()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if opts.Site != "" {
		cfg.Zulip.Site = opts.Site
	}
	if opts.SettleWait > 0 {
		cfg.Probe.SettleWait = opts.SettleWait
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = DefaultDestinations()
	}
	if len(cfg.ShardedDestinations) == 0 {
		cfg.ShardedDestinations = DefaultShardedDestinations()
	}

	normalize(cfg)

	if err := validate(cfg, opts.Sharded); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// TestDestinations returns the destination set this invocation probes:
// the plain set when tags is empty, otherwise the sharded entries whose
// shard tag appears in tags.
func (c *Config) TestDestinations(tags string) []Destination {
	if tags == "" {
		return c.Destinations
	}
	var out []Destination
	for _, d := range c.ShardedDestinations {
		if d.Shard != "" && strings.Contains(tags, d.Shard) {
			out = append(out, d)
		}
	}
	return out
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Zulip: ZulipConfig{
			APIKeyEnv: DefaultAPIKeyEnv,
		},
		Zephyr: ZephyrConfig{
			ZwritePath: DefaultZwritePath,
			HelperPath: DefaultHelperPath,
		},
		Probe: ProbeConfig{
			SettleWait:        DefaultSettleWait,
			SubscribeAttempts: DefaultSubscribeAttempts,
			SendTimeout:       DefaultSendTimeout,
		},
	}
}

// DefaultDestinations is the built-in plain test set: one well-known test
// class plus one personal.
func DefaultDestinations() []Destination {
	return []Destination{
		{Class: "zmirror-nagios-test", Instance: DefaultInstance, Shard: "9"},
		{Personal: true},
	}
}

// DefaultShardedDestinations is the built-in sharded test set: one class
// per hex shard tag (each class name chosen so its SHA-1 starts with the
// tag) plus one personal under the conventional "p" tag.
func DefaultShardedDestinations() []Destination {
	classes := []struct{ class, shard string }{
		{"zmirror-nagios-test-3", "0"},
		{"zmirror-nagios-test-38", "1"},
		{"zmirror-nagios-test-7", "2"},
		{"zmirror-nagios-test-2", "3"},
		{"zmirror-nagios-test-9", "4"},
		{"zmirror-nagios-test-1", "5"},
		{"zmirror-nagios-test-11", "6"},
		{"zmirror-nagios-test-40", "7"},
		{"zmirror-nagios-test-12", "8"},
		{"zmirror-nagios-test-4", "9"},
		{"zmirror-nagios-test-53", "a"},
		{"zmirror-nagios-test-43", "b"},
		{"zmirror-nagios-test-46", "c"},
		{"zmirror-nagios-test-0", "d"},
		{"zmirror-nagios-test-5", "e"},
		{"zmirror-nagios-test-17", "f"},
	}
	out := make([]Destination, 0, len(classes)+1)
	for _, c := range classes {
		out = append(out, Destination{Class: c.class, Instance: DefaultInstance, Shard: c.shard})
	}
	return append(out, Destination{Personal: true, Shard: "p"})
}

// normalize fills derivable per-destination fields before validation.
func normalize(cfg *Config) {
	cfg.Zulip.Site = strings.TrimRight(cfg.Zulip.Site, "/")
	for _, set := range [][]Destination{cfg.Destinations, cfg.ShardedDestinations} {
		for i := range set {
			if set[i].Personal {
				if set[i].Recipient == "" {
					set[i].Recipient = cfg.Zephyr.Account
				}
			} else if set[i].Instance == "" {
				set[i].Instance = DefaultInstance
			}
		}
	}
}

// validate checks required fields and structural constraints. tags is the
// --sharded selection, empty when the plain set is probed.
func validate(cfg *Config, tags string) error {
	if cfg.Zulip.Site == "" {
		return fmt.Errorf("zulip.site is required")
	}
	if cfg.Zulip.Email == "" {
		return fmt.Errorf("zulip.email is required")
	}
	if cfg.Zulip.APIKeyEnv == "" {
		return fmt.Errorf("zulip.api_key_env is required")
	}
	if cfg.Zephyr.Account == "" {
		return fmt.Errorf("zephyr.account is required")
	}
	if cfg.Probe.SettleWait <= 0 {
		return fmt.Errorf("probe.settle_wait must be positive")
	}
	if cfg.Probe.SubscribeAttempts <= 0 {
		return fmt.Errorf("probe.subscribe_attempts must be positive")
	}
	if cfg.Probe.SendTimeout <= 0 {
		return fmt.Errorf("probe.send_timeout must be positive")
	}
	if err := validateDestinations("destinations", cfg.Destinations); err != nil {
		return err
	}
	if err := validateDestinations("sharded_destinations", cfg.ShardedDestinations); err != nil {
		return err
	}
	if len(cfg.TestDestinations(tags)) == 0 {
		if tags == "" {
			return fmt.Errorf("destinations must not be empty")
		}
		return fmt.Errorf("no sharded destinations carry a tag from %q", tags)
	}
	return nil
}

func validateDestinations(field string, dests []Destination) error {
	for i, d := range dests {
		if d.Personal && d.Class != "" {
			return fmt.Errorf("%s[%d]: personal destination cannot set a class", field, i)
		}
		if !d.Personal && d.Class == "" {
			return fmt.Errorf("%s[%d]: class is required", field, i)
		}
		if !d.Personal && d.Recipient != "" {
			return fmt.Errorf("%s[%d] %q: recipient is only valid for personals", field, i, d.Class)
		}
		if len(d.Shard) > 1 {
			return fmt.Errorf("%s[%d]: shard tag %q must be a single character", field, i, d.Shard)
		}
		if !d.Personal && d.Shard != "" && !strings.HasPrefix(shardOf(d.Class), d.Shard) {
			return fmt.Errorf("%s[%d]: class %q does not hash into shard %q (sha1 prefix %s)",
				field, i, d.Class, d.Shard, shardOf(d.Class)[:8])
		}
	}
	return nil
}

// shardOf is the shard-assignment hash: lowercase hex SHA-1 of the class
// name. A destination belongs to the shard its digest starts with.
func shardOf(class string) string {
	sum := sha1.Sum([]byte(class))
	return hex.EncodeToString(sum[:])
}
