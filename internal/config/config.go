// Package config loads livesync settings from a YAML file.
//
// A missing file yields Default(). Durations are written as Go duration
// strings ("100ms", "30s").
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the complete server and client configuration.
type Config struct {
	Host         string        `yaml:"host" json:"host"`
	WSPort       int           `yaml:"ws_port" json:"ws_port"`
	HTTPPort     int           `yaml:"http_port" json:"http_port"`
	Database     string        `yaml:"database" json:"database"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	Debounce     Debounce      `yaml:"debounce" json:"debounce"`
	Backoff      Backoff       `yaml:"backoff" json:"backoff"`
	Session      Session       `yaml:"session" json:"session"`
}

// Debounce holds the coalescing delays.
type Debounce struct {
	Notify     time.Duration `yaml:"notify" json:"notify"`
	Batch      time.Duration `yaml:"batch" json:"batch"`
	Invalidate time.Duration `yaml:"invalidate" json:"invalidate"`
}

// Backoff bounds retries of failing live functions.
type Backoff struct {
	Initial time.Duration `yaml:"initial" json:"initial"`
	Max     time.Duration `yaml:"max" json:"max"`
}

// Session configures user resolution. An empty JWTSecret trusts the user
// field as sent.
type Session struct {
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:         "0.0.0.0",
		WSPort:       4001,
		HTTPPort:     4000,
		Database:     "livesync.db",
		PingInterval: 10 * time.Second,
		Debounce: Debounce{
			Notify:     100 * time.Millisecond,
			Batch:      10 * time.Millisecond,
			Invalidate: 100 * time.Millisecond,
		},
		Backoff: Backoff{
			Initial: 100 * time.Millisecond,
			Max:     30 * time.Second,
		},
		Session: Session{
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WSAddr returns the live listener address.
func (c Config) WSAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.WSPort))
}

// HTTPAddr returns the one-shot listener address.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

func portRules(extra ...validation.Rule) []validation.Rule {
	return append([]validation.Rule{validation.Required, validation.Min(1), validation.Max(65535)}, extra...)
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.WSPort, portRules()...),
		validation.Field(&c.HTTPPort, portRules(validation.By(func(any) error {
			if c.HTTPPort == c.WSPort {
				return errors.New("must differ from ws_port")
			}
			return nil
		}))...),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.PingInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Debounce),
		validation.Field(&c.Backoff),
		validation.Field(&c.Session),
	)
	return flatten("", err)
}

// Validate implements validation.Validatable.
func (d Debounce) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Notify, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.Batch, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.Invalidate, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Validate implements validation.Validatable.
func (b Backoff) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Initial, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&b.Max, validation.Required, validation.Min(b.Initial)),
	)
}

// Validate implements validation.Validatable.
func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.CacheTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&s.JWTSecret, validation.When(s.JWTSecret != "", validation.Length(16, 0))),
	)
}

// flatten turns nested validation.Errors into a ValidationError keyed by
// dotted field names. ozzo names fields by their json tag, which matches
// the yaml one.
func flatten(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string)}
	collect(out.Fields, prefix, verrs)
	return out
}

func collect(into map[string]string, prefix string, verrs validation.Errors) {
	for field, err := range verrs {
		name := field
		if prefix != "" {
			name = prefix + "." + field
		}
		var nested validation.Errors
		if errors.As(err, &nested) {
			collect(into, name, nested)
			continue
		}
		into[name] = err.Error()
	}
}
