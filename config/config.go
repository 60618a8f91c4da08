// Package config loads and validates the BunnyProxy YAML configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// ContentType is the payload shape a publisher or subscriber speaks.
type ContentType string

const (
	Binary ContentType = "binary"
	JSON   ContentType = "json"
)

// BackoffStrategy controls how a subscriber's retry delay grows with attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Identity is a named (name, token) pair used to restrict queue access.
type Identity struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// PublisherConfig describes one publish-endpoint route.
type PublisherConfig struct {
	Queue       string      `yaml:"queue"`
	ContentType ContentType `yaml:"contentType"`
	Schema      string      `yaml:"schema"`
	SchemaFile  string      `yaml:"schemaFile"`
	Confirm     bool        `yaml:"confirm"`
	Identities  []string    `yaml:"identities"`
}

// ConsumerConfig describes one on-demand consume-endpoint route.
type ConsumerConfig struct {
	Queue      string   `yaml:"queue"`
	Identities []string `yaml:"identities"`
}

// SubscriberConfig describes one push-style subscriber.
type SubscriberConfig struct {
	Name            string          `yaml:"name"`
	Queue           string          `yaml:"queue"`
	Target          string          `yaml:"target"`
	ContentType     ContentType     `yaml:"contentType"`
	Prefetch        int             `yaml:"prefetch"`
	TimeoutMS       int             `yaml:"timeout"`
	BackoffStrategy BackoffStrategy `yaml:"backoffStrategy"`
	Retries         int             `yaml:"retries"`
	RetryDelayMS    int             `yaml:"retryDelay"`
}

func (s SubscriberConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (s SubscriberConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// ConsumeConfig holds the Open-Question-resolving knob for the consume
// endpoint's success status code.
type ConsumeConfig struct {
	SuccessStatus int `yaml:"successStatus"`
}

// Config is the full BunnyProxy configuration file shape.
type Config struct {
	Identities  []Identity         `yaml:"identities"`
	Publishers  []PublisherConfig  `yaml:"publishers"`
	Consumers   []ConsumerConfig   `yaml:"consumers"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
	Consume     ConsumeConfig      `yaml:"consume"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} with environment variable values,
// leaving references to unset variables untouched.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes already on disk-shaped input.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := &Config{
		Consume: ConsumeConfig{SuccessStatus: 205},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Consume.SuccessStatus == 0 {
		cfg.Consume.SuccessStatus = 205
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	identities := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("identity with empty name")
		}
		if identities[id.Name] {
			return fmt.Errorf("duplicate identity %q", id.Name)
		}
		identities[id.Name] = true
	}

	checkIdentities := func(section string, names []string) error {
		for _, n := range names {
			if !identities[n] {
				return fmt.Errorf("%s references unknown identity %q", section, n)
			}
		}
		return nil
	}

	seenPub := make(map[string]bool, len(c.Publishers))
	for i, p := range c.Publishers {
		if p.Queue == "" {
			return fmt.Errorf("publishers[%d]: queue is required", i)
		}
		if seenPub[p.Queue] {
			return fmt.Errorf("publishers[%d]: duplicate queue %q", i, p.Queue)
		}
		seenPub[p.Queue] = true

		switch p.ContentType {
		case Binary, JSON:
		default:
			return fmt.Errorf("publishers[%d] (%s): contentType must be %q or %q", i, p.Queue, Binary, JSON)
		}
		if (p.Schema != "" || p.SchemaFile != "") && p.ContentType != JSON {
			return fmt.Errorf("publishers[%d] (%s): schema is only valid when contentType=json", i, p.Queue)
		}
		if err := checkIdentities(fmt.Sprintf("publishers[%d] (%s)", i, p.Queue), p.Identities); err != nil {
			return err
		}
	}

	seenCons := make(map[string]bool, len(c.Consumers))
	for i, cns := range c.Consumers {
		if cns.Queue == "" {
			return fmt.Errorf("consumers[%d]: queue is required", i)
		}
		if seenCons[cns.Queue] {
			return fmt.Errorf("consumers[%d]: duplicate queue %q", i, cns.Queue)
		}
		seenCons[cns.Queue] = true
		if err := checkIdentities(fmt.Sprintf("consumers[%d] (%s)", i, cns.Queue), cns.Identities); err != nil {
			return err
		}
	}

	seenSub := make(map[string]bool, len(c.Subscribers))
	for i, s := range c.Subscribers {
		if s.Queue == "" {
			return fmt.Errorf("subscribers[%d]: queue is required", i)
		}
		if s.Name == "" {
			return fmt.Errorf("subscribers[%d] (%s): name is required", i, s.Queue)
		}
		if seenSub[s.Name] {
			return fmt.Errorf("subscribers[%d]: duplicate name %q", i, s.Name)
		}
		seenSub[s.Name] = true
		if _, err := url.ParseRequestURI(s.Target); err != nil {
			return fmt.Errorf("subscribers[%d] (%s): invalid target URL %q: %w", i, s.Name, s.Target, err)
		}
		switch s.ContentType {
		case Binary, JSON:
		default:
			return fmt.Errorf("subscribers[%d] (%s): contentType must be %q or %q", i, s.Name, Binary, JSON)
		}
		if s.Prefetch < 1 {
			return fmt.Errorf("subscribers[%d] (%s): prefetch must be >= 1", i, s.Name)
		}
		if s.TimeoutMS <= 0 {
			return fmt.Errorf("subscribers[%d] (%s): timeout must be > 0", i, s.Name)
		}
		if s.Retries < 0 {
			return fmt.Errorf("subscribers[%d] (%s): retries must be >= 0", i, s.Name)
		}
		if s.RetryDelayMS < 0 {
			return fmt.Errorf("subscribers[%d] (%s): retryDelay must be >= 0", i, s.Name)
		}
		switch s.BackoffStrategy {
		case BackoffFixed, BackoffLinear, BackoffExponential:
		default:
			return fmt.Errorf("subscribers[%d] (%s): backoffStrategy must be fixed, linear or exponential", i, s.Name)
		}
	}

	return nil
}
