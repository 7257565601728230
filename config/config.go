// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024-2025 Aaron LI
//
// Configuration management.
//

package config

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"detour/dns"
	"detour/log"
)

const (
	configFilename = "config.json"
)

var (
	errConfigInvalid = errors.New("invalid config")
	errFileExists    = errors.New("file already exists")
)

type Config struct {
	// Embed the config file content for later save.
	ConfigFile

	// Pool of trusted CAs parsed from CaFile.
	CaPool *x509.CertPool
	// Parsed from Upstreams.
	UpstreamServers []*dns.Upstream
	// Parsed from Blocklist.Response.
	BlockPolicy dns.BlockPolicy

	// Directory of the config file; relative paths are resolved against it.
	dir string
}

type ConfigFile struct {
	// The listening address and port of the DNS service (UDP+TCP).
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	ListenPort uint16 `json:"listen_port" yaml:"listen_port"`
	// Set SO_REUSEPORT on the listening sockets.
	ReusePort bool `json:"reuse_port" yaml:"reuse_port"`

	// Upstream servers raced for every query not blocked or cached:
	// "1.1.1.1", "8.8.8.8:53", "tcp://9.9.9.9", "tls://1.1.1.1#cloudflare-dns.com"
	Upstreams []string `json:"upstreams" yaml:"upstreams"`
	// Deadline of a race.
	Timeout Duration `json:"timeout" yaml:"timeout"`
	// Max concurrent races; further queries are refused.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// File containing the trusted CA certificates
	// (e.g., /etc/ssl/certs/ca-certificates.crt)
	// If empty, then use the system's trusted CA pool.
	CaFile path `json:"ca_file" yaml:"ca_file"`

	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Blocklist BlocklistConfig `json:"blocklist" yaml:"blocklist"`

	// Log every query at info level.
	Verbose  bool   `json:"verbose" yaml:"verbose"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	// The HTTP API; port 0 disables it.
	ApiAddr string `json:"api_addr" yaml:"api_addr"`
	ApiPort uint16 `json:"api_port" yaml:"api_port"`

	// SQLite database of the query log; empty disables it.
	QueryLog          path     `json:"query_log" yaml:"query_log"`
	QueryLogRetention Duration `json:"query_log_retention" yaml:"query_log_retention"`

	// Interval of the statistics log line; 0 disables it.
	StatsInterval Duration `json:"stats_interval" yaml:"stats_interval"`
}

type CacheConfig struct {
	MinTTL Duration `json:"min_ttl" yaml:"min_ttl"`
	MaxTTL Duration `json:"max_ttl" yaml:"max_ttl"`
	// TTL of negative responses without SOA; 0 means MinTTL.
	DefaultTTL    Duration `json:"default_ttl" yaml:"default_ttl"`
	MaxEntries    int      `json:"max_entries" yaml:"max_entries"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type BlocklistConfig struct {
	// Rule files: domain lists, hosts files, or Adblock-style lists.
	Files []path `json:"files" yaml:"files"`
	// Inline rules, in the same syntax as the files.
	Domains []string `json:"domains" yaml:"domains"`
	// Answer to blocked queries: "null", "nxdomain", or an IP address.
	Response string `json:"response" yaml:"response"`
}

// DefaultConfigFile returns the defaults; a config file only needs to
// carry the fields it changes.
func DefaultConfigFile() ConfigFile {
	return ConfigFile{
		ListenAddr: "127.0.0.1",
		ListenPort: 5353,
		Upstreams: []string{
			"1.1.1.1:53",
			"1.0.0.1:53",
			"8.8.8.8:53",
			"8.8.4.4:53",
		},
		Timeout:       Duration(dns.DefaultTimeout),
		MaxConcurrent: dns.DefaultMaxConcurrent,
		Cache: CacheConfig{
			MinTTL:        Duration(dns.DefaultMinTTL),
			MaxTTL:        Duration(dns.DefaultMaxTTL),
			SweepInterval: Duration(dns.DefaultSweepInterval),
		},
		Blocklist: BlocklistConfig{
			Files:    []path{},
			Domains:  []string{},
			Response: "null",
		},
		LogLevel:          "info",
		ApiAddr:           "127.0.0.1",
		ApiPort:           8053,
		QueryLogRetention: Duration(24 * time.Hour),
		StatsInterval:     Duration(5 * time.Minute),
	}
}

type path string

func getPath(path string, dir string) string {
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return path
}

// Path resolves a path from the config file.
func (c *Config) Path(p path) string {
	return getPath(string(p), c.dir)
}

var config *Config

// Initialize writes the default config file into dir.
func Initialize(dir string) error {
	fp := filepath.Join(dir, configFilename)
	if _, err := os.Stat(fp); err == nil {
		log.Errorf("config file [%s] already exists", fp)
		return errFileExists
	}

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			log.Errorf("failed to create config dir [%s]: %v", dir, err)
			return err
		}
		log.Infof("created config dir: %s", dir)
	} else if err != nil {
		log.Errorf("cannot stat config dir [%s]: %v", dir, err)
		return err
	}

	cf := DefaultConfigFile()
	data, err := json.MarshalIndent(&cf, "", "    ")
	if err != nil {
		panic(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(fp, data, 0644); err != nil {
		log.Errorf("failed to write config file [%s]: %v", fp, err)
		return err
	}
	log.Infof("created config file: %s", fp)

	return nil
}

// Load reads the config file (JSON, or YAML by the .yaml/.yml extension)
// over the defaults.  A directory means the config.json inside it; a
// missing file or an empty path leaves the defaults.  The result is not
// validated yet; call Resolve after applying any overrides.
func Load(fp string) (*Config, error) {
	conf := &Config{ConfigFile: DefaultConfigFile()}
	if fp == "" {
		return conf, nil
	}
	if fi, err := os.Stat(fp); err == nil && fi.IsDir() {
		fp = filepath.Join(fp, configFilename)
	}
	conf.dir = filepath.Dir(fp)

	data, err := os.ReadFile(fp)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("config file [%s] doesn't exist; use the defaults", fp)
		return conf, nil
	} else if err != nil {
		log.Errorf("failed to read config file [%s]: %v", fp, err)
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(fp)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &conf.ConfigFile)
	default:
		err = json.Unmarshal(data, &conf.ConfigFile)
	}
	if err != nil {
		log.Errorf("failed to load config from file [%s]: %v", fp, err)
		return nil, fmt.Errorf("config file [%s]: %w", fp, err)
	}
	log.Infof("read config from file: %s", fp)
	log.Debugf("config file content: %+v", conf.ConfigFile)

	return conf, nil
}

// Resolve validates the settings and parses the upstreams, the block
// policy, and the CA certificates.
func (c *Config) Resolve() error {
	if err := c.validate(); err != nil {
		return err
	}

	c.UpstreamServers = nil
	for _, s := range c.Upstreams {
		u, err := dns.ParseUpstream(s)
		if err != nil {
			return fmt.Errorf("%w: upstreams: %w", errConfigInvalid, err)
		}
		c.UpstreamServers = append(c.UpstreamServers, u)
	}

	policy, err := dns.ParseBlockPolicy(c.Blocklist.Response)
	if err != nil {
		return fmt.Errorf("%w: blocklist.response: %w", errConfigInvalid, err)
	}
	c.BlockPolicy = policy

	if c.CaFile != "" {
		fp := c.Path(c.CaFile)
		certs, err := os.ReadFile(fp)
		if err != nil {
			log.Errorf("failed to read file [%s]: %v", fp, err)
			return err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(certs); !ok {
			log.Errorf("failed to append CA certs from file: %s", fp)
			return fmt.Errorf("%w: ca_file: no certificates in %s", errConfigInvalid, fp)
		}
		c.CaPool = pool
		log.Infof("loaded CA certs from: %s", fp)
	} else {
		c.CaPool = nil
		log.Debugf("use system cert pool")
	}

	config = c
	return nil
}

func (c *Config) validate() error {
	invalid := func(field, format string, v ...any) error {
		return fmt.Errorf("%w: %s: %s", errConfigInvalid, field, fmt.Sprintf(format, v...))
	}

	if len(c.Upstreams) == 0 {
		return invalid("upstreams", "at least one upstream is required")
	}
	if c.Timeout <= 0 {
		return invalid("timeout", "must be positive, got %s", c.Timeout)
	}
	if c.Cache.MinTTL < 0 {
		return invalid("cache.min_ttl", "must not be negative")
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return invalid("cache.min_ttl", "%s is greater than cache.max_ttl %s",
			c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if c.Cache.MaxEntries < 0 {
		return invalid("cache.max_entries", "must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level", "%v", err)
	}
	return nil
}

// ResolverOptions builds the resolver settings.
func (c *Config) ResolverOptions(bl *dns.Blocklist, sink dns.EventSink) *dns.Options {
	return &dns.Options{
		Upstreams:     c.UpstreamServers,
		RootCAs:       c.CaPool,
		Timeout:       c.Timeout.Value(),
		MaxConcurrent: c.MaxConcurrent,
		Cache: dns.CacheConfig{
			MinTTL:        c.Cache.MinTTL.Value(),
			MaxTTL:        c.Cache.MaxTTL.Value(),
			DefaultTTL:    c.Cache.DefaultTTL.Value(),
			MaxEntries:    c.Cache.MaxEntries,
			SweepInterval: c.Cache.SweepInterval.Value(),
		},
		Blocklist:   bl,
		BlockPolicy: c.BlockPolicy,
		Sink:        sink,
	}
}

// LoadBlocklist reads the rule files and the inline rules.
func (c *Config) LoadBlocklist() (*dns.Blocklist, error) {
	files := make([]string, 0, len(c.Blocklist.Files))
	for _, f := range c.Blocklist.Files {
		files = append(files, c.Path(f))
	}
	bl, err := dns.LoadBlocklistFiles(files...)
	if err != nil {
		return nil, err
	}
	if len(c.Blocklist.Domains) > 0 {
		rules := strings.NewReader(strings.Join(c.Blocklist.Domains, "\n"))
		if _, err := bl.Load(rules); err != nil {
			return nil, err
		}
	}
	return bl, nil
}

// Get returns the config last resolved.
func Get() *Config {
	if config == nil {
		panic("config is nil; Resolve() was not called or failed?")
	}
	return config
}
