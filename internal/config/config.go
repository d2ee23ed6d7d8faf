// Package config resolves stagetree settings from defaults, an optional HCL
// file, a .env file and STAGETREE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"

	"github.com/agentic-research/stagetree/internal/stage"
)

// Source kinds.
const (
	SourceHTTP = "http"
	SourceDir  = "dir"
	SourceS3   = "s3"
	SourceFile = "file"
)

// Config holds every setting.
type Config struct {
	// Backend API
	BackendURL    string
	Token         string
	Timeout       time.Duration
	DataSelector  string // JSONPath of the payload inside the envelope
	ErrorSelector string // JSONPath of the error list inside the envelope

	// Staging listing
	Level  stage.DataLevel
	Source string
	Dir    string // root for SourceDir
	File   string // saved response for SourceFile

	// S3 staging area
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// Snapshots
	SnapshotDB string

	// Server
	ListenAddr string
	CacheTTL   time.Duration

	// Assignment
	AssignConcurrency int

	// Logging
	LogLevel  string
	LogFormat string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BackendURL:        "http://localhost:8080/api",
		Timeout:           30 * time.Second,
		DataSelector:      "$.Response.data",
		ErrorSelector:     "$.Response.errors",
		Level:             stage.LevelDataset,
		Source:            SourceHTTP,
		S3Region:          "us-east-1",
		SnapshotDB:        "stagetree.db",
		ListenAddr:        ":8090",
		CacheTTL:          30 * time.Second,
		AssignConcurrency: 4,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// fileConfig mirrors Config in HCL. Pointers distinguish unset attributes.
type fileConfig struct {
	BackendURL        *string `hcl:"backend_url,optional"`
	Token             *string `hcl:"token,optional"`
	Timeout           *string `hcl:"timeout,optional"`
	DataSelector      *string `hcl:"data_selector,optional"`
	ErrorSelector     *string `hcl:"error_selector,optional"`
	Level             *string `hcl:"level,optional"`
	Source            *string `hcl:"source,optional"`
	Dir               *string `hcl:"dir,optional"`
	File              *string `hcl:"file,optional"`
	S3Endpoint        *string `hcl:"s3_endpoint,optional"`
	S3Bucket          *string `hcl:"s3_bucket,optional"`
	S3Prefix          *string `hcl:"s3_prefix,optional"`
	S3Region          *string `hcl:"s3_region,optional"`
	S3AccessKey       *string `hcl:"s3_access_key,optional"`
	S3SecretKey       *string `hcl:"s3_secret_key,optional"`
	SnapshotDB        *string `hcl:"snapshot_db,optional"`
	ListenAddr        *string `hcl:"listen_addr,optional"`
	CacheTTL          *string `hcl:"cache_ttl,optional"`
	AssignConcurrency *int    `hcl:"assign_concurrency,optional"`
	LogLevel          *string `hcl:"log_level,optional"`
	LogFormat         *string `hcl:"log_format,optional"`
}

// Load resolves and validates the configuration. path may be empty; a
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Resolve is Load without validation, for callers that apply flag
// overrides before validating.
func Resolve(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		var fc fileConfig
		if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceHTTP:
		if c.BackendURL == "" {
			return errors.New("backend_url is required for the http source")
		}
	case SourceDir:
		if c.Dir == "" {
			return errors.New("dir is required for the dir source")
		}
	case SourceS3:
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required for the s3 source")
		}
	case SourceFile:
		if c.File == "" {
			return errors.New("file is required for the file source")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.AssignConcurrency < 1 {
		return fmt.Errorf("assign_concurrency must be positive, got %d", c.AssignConcurrency)
	}
	return nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setString(&c.BackendURL, fc.BackendURL)
	setString(&c.Token, fc.Token)
	setString(&c.DataSelector, fc.DataSelector)
	setString(&c.ErrorSelector, fc.ErrorSelector)
	setString(&c.Source, fc.Source)
	setString(&c.Dir, fc.Dir)
	setString(&c.File, fc.File)
	setString(&c.S3Endpoint, fc.S3Endpoint)
	setString(&c.S3Bucket, fc.S3Bucket)
	setString(&c.S3Prefix, fc.S3Prefix)
	setString(&c.S3Region, fc.S3Region)
	setString(&c.S3AccessKey, fc.S3AccessKey)
	setString(&c.S3SecretKey, fc.S3SecretKey)
	setString(&c.SnapshotDB, fc.SnapshotDB)
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	if fc.AssignConcurrency != nil {
		c.AssignConcurrency = *fc.AssignConcurrency
	}
	if fc.Level != nil {
		if err := c.Level.UnmarshalText([]byte(*fc.Level)); err != nil {
			return err
		}
	}
	if err := setDuration(&c.Timeout, fc.Timeout); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if err := setDuration(&c.CacheTTL, fc.CacheTTL); err != nil {
		return fmt.Errorf("cache_ttl: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(key string) *string {
		if v := getenv("STAGETREE_" + key); v != "" {
			return &v
		}
		return nil
	}

	fc := fileConfig{
		BackendURL:    env("BACKEND_URL"),
		Token:         env("TOKEN"),
		Timeout:       env("TIMEOUT"),
		DataSelector:  env("DATA_SELECTOR"),
		ErrorSelector: env("ERROR_SELECTOR"),
		Level:         env("LEVEL"),
		Source:        env("SOURCE"),
		Dir:           env("DIR"),
		File:          env("FILE"),
		S3Endpoint:    env("S3_ENDPOINT"),
		S3Bucket:      env("S3_BUCKET"),
		S3Prefix:      env("S3_PREFIX"),
		S3Region:      env("S3_REGION"),
		S3AccessKey:   env("S3_ACCESS_KEY"),
		S3SecretKey:   env("S3_SECRET_KEY"),
		SnapshotDB:    env("SNAPSHOT_DB"),
		ListenAddr:    env("LISTEN_ADDR"),
		CacheTTL:      env("CACHE_TTL"),
		LogLevel:      env("LOG_LEVEL"),
		LogFormat:     env("LOG_FORMAT"),
	}
	if v := env("ASSIGN_CONCURRENCY"); v != nil {
		n, err := strconv.Atoi(*v)
		if err != nil {
			return fmt.Errorf("STAGETREE_ASSIGN_CONCURRENCY: %w", err)
		}
		fc.AssignConcurrency = &n
	}
	if err := c.applyFile(&fc); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
