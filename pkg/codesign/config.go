package codesign

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvP12      = "CODESIGN_P12"
	EnvProfile  = "CODESIGN_PROFILE"
	EnvPassword = "CODESIGN_PASSWORD"
	EnvLogLevel = "CODESIGN_LOG_LEVEL"
)

// Config is the on-disk signing configuration. Paths are read when Options
// is called, not when the file is loaded.
type Config struct {
	P12           string `yaml:"p12"`
	Password      string `yaml:"password"`
	Profile       string `yaml:"profile"`
	Entitlements  string `yaml:"entitlements"`
	InfoPlist     string `yaml:"info_plist"`
	CodeResources string `yaml:"code_resources"`
	Requirements  string `yaml:"requirements"`

	Identifier   string `yaml:"identifier"`
	TeamID       string `yaml:"team_id"`
	HashMode     string `yaml:"hash_mode"`
	PageSizeBits int    `yaml:"page_size_bits"`
	Reserve      int64  `yaml:"reserve"`
	Parallelism  int    `yaml:"parallelism"`

	CSReq    string `yaml:"csreq"`
	DebugDir string `yaml:"debug_dir"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the settings used when nothing else is given.
func DefaultConfig() *Config {
	return &Config{
		HashMode:     string(HashModeDual),
		PageSizeBits: defaultPageSizeBits,
		CSReq:        defaultCSReqPath,
		LogLevel:     zerolog.InfoLevel.String(),
	}
}

// LoadConfig reads path on top of the defaults and then applies the
// environment. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	// env caches os.Environ on first use
	env.Load()
	c.P12 = env.Str(EnvP12, c.P12)
	c.Profile = env.Str(EnvProfile, c.Profile)
	c.Password = env.Str(EnvPassword, c.Password)
	c.LogLevel = env.Str(EnvLogLevel, c.LogLevel)
}

// Validate checks the settings that do not depend on any file contents.
func (c *Config) Validate() error {
	switch HashMode(c.HashMode) {
	case HashModeDual, HashModeSHA256:
	default:
		return fmt.Errorf("unknown hash_mode %q (want %q or %q)", c.HashMode, HashModeDual, HashModeSHA256)
	}
	if c.PageSizeBits < minPageSizeBits || c.PageSizeBits > maxPageSizeBits {
		return fmt.Errorf("page_size_bits %d outside %d..%d", c.PageSizeBits, minPageSizeBits, maxPageSizeBits)
	}
	if c.Reserve < 0 {
		return fmt.Errorf("reserve must not be negative")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level returns the configured log level, info when unparsable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Options reads the files the config names and builds signer options.
func (c *Config) Options() (Options, error) {
	if err := c.Validate(); err != nil {
		return Options{}, err
	}
	opts := Options{
		Identifier:   c.Identifier,
		TeamID:       c.TeamID,
		HashMode:     HashMode(c.HashMode),
		PageSizeBits: uint8(c.PageSizeBits),
		Reserve:      c.Reserve,
		Parallelism:  c.Parallelism,
		DebugDir:     c.DebugDir,
	}
	if c.CSReq != "" {
		opts.Compiler = CSReqTool{Path: c.CSReq}
	}
	for _, f := range []struct {
		path string
		dst  *[]byte
		what string
	}{
		{c.Entitlements, &opts.Entitlements, "entitlements"},
		{c.InfoPlist, &opts.InfoPlist, "Info.plist"},
		{c.CodeResources, &opts.CodeResources, "CodeResources"},
		{c.Requirements, &opts.Requirements, "requirements"},
	} {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return Options{}, fmt.Errorf("failed to read %s: %w", f.what, err)
		}
		*f.dst = data
	}
	return opts, nil
}
