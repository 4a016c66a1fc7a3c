package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// BlockStoreConfig configures cmd/blockstore. Variables use the BLOCKSTORE_ prefix.
type BlockStoreConfig struct {
	Addr string `default:":8003"`

	// BucketURL is a gocloud blob URL: file:///path, mem://, s3://bucket?...
	BucketURL string `split_words:"true" default:"file:///var/lib/chunkxfer/chunks"`

	MaxChunkSize ByteSize      `split_words:"true" default:"64MiB"`
	ReadTimeout  time.Duration `split_words:"true" default:"5m"`
	WriteTimeout time.Duration `split_words:"true" default:"5m"`
	Debug        bool
}

// MetadataConfig configures cmd/metadata-service. Variables use the METADATA_ prefix.
type MetadataConfig struct {
	Addr   string `default:":8000"`
	DBPath string `split_words:"true" default:"/var/lib/chunkxfer/meta.db"`

	// Token is the bearer token clients must present. Empty disables auth.
	Token string

	ReadTimeout  time.Duration `split_words:"true" default:"1m"`
	WriteTimeout time.Duration `split_words:"true" default:"1m"`
	Debug        bool
}

func LoadBlockStore() (*BlockStoreConfig, error) {
	var cfg BlockStoreConfig
	if err := envconfig.Process("BLOCKSTORE", &cfg); err != nil {
		return nil, fmt.Errorf("block store config: %w", err)
	}
	return &cfg, nil
}

func LoadMetadata() (*MetadataConfig, error) {
	var cfg MetadataConfig
	if err := envconfig.Process("METADATA", &cfg); err != nil {
		return nil, fmt.Errorf("metadata config: %w", err)
	}
	return &cfg, nil
}
