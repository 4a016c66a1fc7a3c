// Package config holds the client configuration for chunked transfers and
// the environment-driven settings of the reference servers.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultBlockStoreURL  = "http://localhost:8003"
	DefaultMetadataURL    = "http://localhost:8000"
	DefaultChunkSize      = ByteSize(1 << 20)
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Config is the client configuration. It is copied by value into the
// coordinator, so later changes to the caller's copy have no effect.
type Config struct {
	BlockStoreURL string   `yaml:"block_store_url" split_words:"true"`
	MetadataURL   string   `yaml:"metadata_url" split_words:"true"`
	Token         string   `yaml:"token" split_words:"true"`
	ChunkSize     ByteSize `yaml:"chunk_size" split_words:"true"`

	// MaxRetries is the total number of attempts per chunk.
	MaxRetries int `yaml:"max_retries" split_words:"true"`

	// BaseDelay is the linear backoff unit.
	BaseDelay Duration `yaml:"base_delay" split_words:"true"`

	RequestTimeout Duration `yaml:"request_timeout" split_words:"true"`

	// Concurrency bounds in-flight chunk transfers per file. 0 means unbounded.
	Concurrency int `yaml:"concurrency" split_words:"true"`

	Debug bool `yaml:"debug" split_words:"true"`
}

// Default returns a Config with every default applied and no token.
func Default() Config {
	return Config{
		BlockStoreURL:  DefaultBlockStoreURL,
		MetadataURL:    DefaultMetadataURL,
		ChunkSize:      DefaultChunkSize,
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      Duration{DefaultBaseDelay},
		RequestTimeout: Duration{DefaultRequestTimeout},
	}
}

// Validate checks every setting and returns the first ConfigurationError.
func (c Config) Validate() error {
	if err := validateURL("block_store_url", c.BlockStoreURL); err != nil {
		return err
	}
	if err := validateURL("metadata_url", c.MetadataURL); err != nil {
		return err
	}
	if c.Token == "" {
		return &ConfigurationError{Kind: ErrMissingToken, Field: "token"}
	}
	if c.ChunkSize <= 0 {
		return &ConfigurationError{Kind: ErrInvalidChunkSize, Field: "chunk_size", Detail: strconv.FormatInt(int64(c.ChunkSize), 10)}
	}
	if c.MaxRetries < 1 {
		return &ConfigurationError{Kind: ErrInvalidRetryPolicy, Field: "max_retries", Detail: "at least one attempt is required"}
	}
	if c.BaseDelay.Duration < 0 {
		return &ConfigurationError{Kind: ErrInvalidRetryPolicy, Field: "base_delay", Detail: c.BaseDelay.String()}
	}
	if c.RequestTimeout.Duration <= 0 {
		return &ConfigurationError{Kind: ErrInvalidRetryPolicy, Field: "request_timeout", Detail: c.RequestTimeout.String()}
	}
	if c.Concurrency < 0 {
		return &ConfigurationError{Kind: ErrInvalidConcurrency, Field: "concurrency", Detail: strconv.Itoa(c.Concurrency)}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return &ConfigurationError{Kind: ErrInvalidURL, Field: field, Detail: fmt.Sprintf("%q", raw)}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Kind: ErrInvalidURL, Field: field, Detail: fmt.Sprintf("%q is not an http(s) URL", raw)}
	}
	return nil
}

// Duration wraps time.Duration for YAML and env parsing ("10s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string. An empty value leaves d unchanged.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ByteSize is a byte count that also accepts human sizes like "1MiB" or "512 KB".
type ByteSize int64

// UnmarshalYAML accepts a plain integer or a humanized size string.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Decode(s)
}

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(s string) error {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}
