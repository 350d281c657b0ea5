// Package config loads haven's TOML configuration.
//
// Missing sections and zero values are filled with defaults by
// FixupAndValidate, which Load and LoadFile call. A minimal file is
//
//	DataDir = "/var/lib/haven"
//
//	[Relays]
//	  Inbox = ["wss://inbox.example.com"]
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/relay"
	"github.com/sirupsen/logrus"
)

const (
	defaultLogLevel              = "INFO"
	defaultUpdateIntervalMinutes = 5
	defaultPublishTimeoutSeconds = 30
	defaultFetchTimeoutSeconds   = 10
)

// Location is the outbound location sharing configuration.
type Location struct {
	// Precision is "private", "standard" or "enhanced". Empty means
	// enhanced.
	Precision string

	// UpdateIntervalMinutes is between 5 and 60.
	UpdateIntervalMinutes int

	// IncludeGeohashTag adds a coarse g tag to outbound group messages so
	// relays can filter by area. Off by default.
	IncludeGeohashTag bool

	precision location.Precision
}

func (l *Location) validate() error {
	p, err := location.ParsePrecision(l.Precision)
	if err != nil {
		return fmt.Errorf("config: Location: %w", err)
	}
	l.precision = p
	if l.UpdateIntervalMinutes == 0 {
		l.UpdateIntervalMinutes = defaultUpdateIntervalMinutes
	}
	return l.Settings().Validate()
}

// Settings returns the location settings described by l.
func (l *Location) Settings() location.Settings {
	return location.Settings{
		Precision:         l.precision,
		UpdateInterval:    time.Duration(l.UpdateIntervalMinutes) * time.Minute,
		IncludeGeohashTag: l.IncludeGeohashTag,
	}
}

// Relays is the relay configuration. Every URL must be wss://.
type Relays struct {
	// Circle relays are used for circles created on this device.
	Circle []string

	// Inbox relays receive gift-wrapped invitations and are advertised
	// in the kind-10051 list.
	Inbox []string

	// Fallback relays are used for key package discovery when a contact
	// has no relay list, and for invited circles whose welcome names no
	// relay.
	Fallback []string

	// PublishTimeoutSeconds bounds one publish. Default 30.
	PublishTimeoutSeconds int

	// FetchTimeoutSeconds bounds one query. Default 10.
	FetchTimeoutSeconds int
}

func (r *Relays) validate() error {
	if len(r.Fallback) == 0 {
		r.Fallback = append([]string(nil), relay.DefaultRelays...)
	}
	if len(r.Circle) == 0 {
		r.Circle = append([]string(nil), r.Fallback...)
	}
	if len(r.Inbox) == 0 {
		r.Inbox = append([]string(nil), r.Fallback...)
	}
	if r.PublishTimeoutSeconds == 0 {
		r.PublishTimeoutSeconds = defaultPublishTimeoutSeconds
	}
	if r.FetchTimeoutSeconds == 0 {
		r.FetchTimeoutSeconds = defaultFetchTimeoutSeconds
	}
	if r.PublishTimeoutSeconds < 0 || r.FetchTimeoutSeconds < 0 {
		return errors.New("config: Relays: timeouts must be positive")
	}
	for name, urls := range map[string][]string{"Circle": r.Circle, "Inbox": r.Inbox, "Fallback": r.Fallback} {
		for _, u := range urls {
			if err := relay.ValidateURL(u); err != nil {
				return fmt.Errorf("config: Relays: %s: %w", name, err)
			}
		}
	}
	return nil
}

// PublishTimeout returns the publish timeout as a duration.
func (r *Relays) PublishTimeout() time.Duration {
	return time.Duration(r.PublishTimeoutSeconds) * time.Second
}

// FetchTimeout returns the fetch timeout as a duration.
func (r *Relays) FetchTimeout() time.Duration {
	return time.Duration(r.FetchTimeoutSeconds) * time.Second
}

// Config is the top-level configuration.
type Config struct {
	// DataDir holds haven_mdk.db and circles.db.
	DataDir string

	// LogLevel is one of ERROR, WARNING, INFO, DEBUG.
	LogLevel string

	Location *Location
	Relays   *Relays
}

// Default returns a configuration with every default applied.
func Default(dataDir string) *Config {
	cfg := &Config{DataDir: dataDir}
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}

	lvl := strings.ToUpper(c.LogLevel)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: LogLevel '%v' is invalid", c.LogLevel)
	}
	c.LogLevel = lvl

	if c.Location == nil {
		c.Location = &Location{}
	}
	if err := c.Location.validate(); err != nil {
		return err
	}
	if c.Relays == nil {
		c.Relays = &Relays{}
	}
	return c.Relays.validate()
}

// ApplyLogLevel sets the logrus level.
func (c *Config) ApplyLogLevel() {
	lvl, err := logrus.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
