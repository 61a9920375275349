// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the config API server.
// It loads an optional YAML file, applies environment overrides and
// normalizes the result. Secrets such as the encryption key and the gateway
// token are read from the environment only.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/secret"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort               = 3001
	DefaultGatewayURL         = "http://openclaw-gateway:18789"
	DefaultGatewayContainer   = "molbot-openclaw-gateway"
	DefaultAgentDir           = "/home/node/.openclaw/agents/main/agent"
	DefaultMainConfigPath     = "/home/node/.openclaw/openclaw.json"
	DefaultGatewayTimeoutSecs = 60
	DefaultGatewayMaxRetries  = 3
	DefaultQueueLimit         = 5
	DefaultSocketPath         = "/tmp/credential.sock"
	DefaultSocketMode         = "0660"
	DefaultSocketReloadSecs   = 300
	DefaultModelsCacheSecs    = 300
	DefaultFallbackCacheSecs  = 60
	DefaultLogsDir            = "logs"

	defaultMongoUser = "root"
	defaultMongoHost = "mongodb"
	defaultMongoPort = 27017
	defaultMongoDB   = "molbot"
)

// Config represents the application's configuration.
type Config struct {
	// Host is the interface the HTTP API binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`
	// Port is the HTTP API port.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogsDir is the directory for rotated log files.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`
	// LogsMaxTotalSizeMB limits the total size of the logs directory. 0 disables the limit.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// UISecret guards the HTTP API through the X-UI-Secret header. Plaintext
	// values are replaced by their bcrypt hash at load.
	UISecret string `yaml:"ui-secret" json:"-"`

	Mongo            MongoConfig   `yaml:"mongo" json:"mongo"`
	Gateway          GatewayConfig `yaml:"gateway" json:"gateway"`
	Queue            QueueConfig   `yaml:"queue" json:"queue"`
	CredentialSocket SocketConfig  `yaml:"credential-socket" json:"credential-socket"`
	Hooks            HooksConfig   `yaml:"hooks" json:"hooks"`

	// GuardMainConfig re-scrubs the gateway main config whenever it changes on disk.
	GuardMainConfig bool `yaml:"guard-main-config" json:"guard-main-config"`
	// ModelsCacheSeconds is the lifetime of the available-models cache.
	ModelsCacheSeconds int `yaml:"models-cache-seconds" json:"models-cache-seconds"`

	// EncryptionKey is the credential cipher passphrase (env ENCRYPTION_KEY only).
	EncryptionKey string `yaml:"-" json:"-"`
}

// MongoConfig locates the credential database. URI wins over the parts.
type MongoConfig struct {
	URI      string `yaml:"uri" json:"-"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"-" json:"-"`
}

// GatewayConfig describes the OpenClaw gateway and its artifacts.
type GatewayConfig struct {
	URL            string `yaml:"url" json:"url"`
	Token          string `yaml:"-" json:"-"`
	Container      string `yaml:"container" json:"container"`
	AgentDir       string `yaml:"agent-dir" json:"agent-dir"`
	MainConfigPath string `yaml:"main-config-path" json:"main-config-path"`
	TimeoutSeconds int    `yaml:"timeout-seconds" json:"timeout-seconds"`
	MaxRetries     int    `yaml:"max-retries" json:"max-retries"`
	EnableFallback bool   `yaml:"enable-fallback" json:"enable-fallback"`
	// FallbackCacheSeconds is the lifetime of the configured fallback chain.
	FallbackCacheSeconds int `yaml:"fallback-cache-seconds" json:"fallback-cache-seconds"`
}

// QueueConfig seeds the provider queue before the stored rate-limit config is applied.
type QueueConfig struct {
	DefaultLimit   int            `yaml:"default-limit" json:"default-limit"`
	ProviderLimits map[string]int `yaml:"provider-limits" json:"provider-limits"`
}

// SocketConfig controls the credential IPC socket.
type SocketConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Path          string `yaml:"path" json:"path"`
	Mode          string `yaml:"mode" json:"mode"`
	ReloadSeconds int    `yaml:"reload-seconds" json:"reload-seconds"`
}

// HooksConfig controls YAML automation hooks.
type HooksConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

// LoadConfig reads YAML from configFile, applies environment overrides and
// sanitizes the result.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional is LoadConfig where a missing or empty file yields the
// defaults when optional is true. An empty configFile always yields the
// defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	var data []byte
	if configFile != "" {
		var err error
		data, err = os.ReadFile(configFile)
		if err != nil {
			if !optional || !(os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			data = nil
		}
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnvironment(); err != nil {
		return nil, err
	}
	cfg.Sanitize()

	if cfg.UISecret != "" && !looksLikeBcrypt(cfg.UISecret) {
		plain := cfg.UISecret
		hashed, err := hashSecret(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to hash ui secret: %w", err)
		}
		cfg.UISecret = hashed

		// Only a secret that came from the file is written back.
		if configFile != "" && len(data) > 0 && secret.UISecret() == "" {
			_ = SaveConfigPreserveCommentsUpdateNestedScalar(configFile, []string{"ui-secret"}, hashed)
		}
	}

	return cfg, nil
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		LogsDir:            DefaultLogsDir,
		GuardMainConfig:    true,
		ModelsCacheSeconds: DefaultModelsCacheSecs,
		Mongo: MongoConfig{
			Host:     defaultMongoHost,
			Port:     defaultMongoPort,
			Database: defaultMongoDB,
			Username: defaultMongoUser,
		},
		Gateway: GatewayConfig{
			URL:                  DefaultGatewayURL,
			Container:            DefaultGatewayContainer,
			AgentDir:             DefaultAgentDir,
			MainConfigPath:       DefaultMainConfigPath,
			TimeoutSeconds:       DefaultGatewayTimeoutSecs,
			MaxRetries:           DefaultGatewayMaxRetries,
			EnableFallback:       true,
			FallbackCacheSeconds: DefaultFallbackCacheSecs,
		},
		Queue: QueueConfig{DefaultLimit: DefaultQueueLimit},
		CredentialSocket: SocketConfig{
			Path:          DefaultSocketPath,
			Mode:          DefaultSocketMode,
			ReloadSeconds: DefaultSocketReloadSecs,
		},
	}
}

// ApplyEnvironment overrides file values with environment variables.
func (cfg *Config) ApplyEnvironment() error {
	cfg.EncryptionKey = secret.EncryptionKey()
	if v := secret.UISecret(); v != "" {
		cfg.UISecret = v
	}
	cfg.Gateway.Token = secret.GatewayToken()

	setString(&cfg.Mongo.URI, "MONGO_URI")
	setString(&cfg.Mongo.Password, "MONGO_PASSWORD")
	setString(&cfg.Mongo.Host, "MONGO_HOST")
	setString(&cfg.Mongo.Database, "MONGO_DB")
	setString(&cfg.Mongo.Username, "MONGO_INITDB_ROOT_USERNAME")
	setString(&cfg.Gateway.URL, "OPENCLAW_GATEWAY_URL")
	setString(&cfg.Gateway.Container, "OPENCLAW_GATEWAY_CONTAINER")
	setString(&cfg.Gateway.AgentDir, "OPENCLAW_AGENT_DIR")
	setString(&cfg.Gateway.MainConfigPath, "OPENCLAW_CONFIG_PATH")
	setString(&cfg.CredentialSocket.Path, "CREDENTIAL_SOCKET_PATH")
	setString(&cfg.Hooks.Dir, "HOOKS_DIR")

	if v := strings.TrimSpace(secret.GetEnv("PORT", "")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return &secret.ConfigurationError{Setting: "PORT", Reason: fmt.Sprintf("invalid port %q", v)}
		}
		cfg.Port = port
	}
	return nil
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(secret.GetEnv(env, "")); v != "" {
		*dst = v
	}
}

// Sanitize trims values and restores defaults for unusable ones.
func (cfg *Config) Sanitize() {
	def := Default()

	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}
	if strings.TrimSpace(cfg.LogsDir) == "" {
		cfg.LogsDir = def.LogsDir
	}
	cfg.UISecret = strings.TrimSpace(cfg.UISecret)
	if cfg.ModelsCacheSeconds <= 0 {
		cfg.ModelsCacheSeconds = def.ModelsCacheSeconds
	}

	cfg.Gateway.URL = strings.TrimRight(strings.TrimSpace(cfg.Gateway.URL), "/")
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = def.Gateway.URL
	}
	if strings.TrimSpace(cfg.Gateway.Container) == "" {
		cfg.Gateway.Container = def.Gateway.Container
	}
	if strings.TrimSpace(cfg.Gateway.AgentDir) == "" {
		cfg.Gateway.AgentDir = def.Gateway.AgentDir
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = def.Gateway.TimeoutSeconds
	}
	if cfg.Gateway.MaxRetries < 0 {
		cfg.Gateway.MaxRetries = def.Gateway.MaxRetries
	}
	if cfg.Gateway.FallbackCacheSeconds <= 0 {
		cfg.Gateway.FallbackCacheSeconds = def.Gateway.FallbackCacheSeconds
	}

	if cfg.Queue.DefaultLimit < 1 {
		cfg.Queue.DefaultLimit = def.Queue.DefaultLimit
	}
	cfg.Queue.ProviderLimits = NormalizeLimits(cfg.Queue.ProviderLimits)

	if strings.TrimSpace(cfg.CredentialSocket.Path) == "" {
		cfg.CredentialSocket.Path = def.CredentialSocket.Path
	}
	if _, err := parseMode(cfg.CredentialSocket.Mode); err != nil {
		cfg.CredentialSocket.Mode = def.CredentialSocket.Mode
	}
	if cfg.CredentialSocket.ReloadSeconds <= 0 {
		cfg.CredentialSocket.ReloadSeconds = def.CredentialSocket.ReloadSeconds
	}

	if cfg.Mongo.Port <= 0 {
		cfg.Mongo.Port = def.Mongo.Port
	}
}

// NormalizeLimits lowercases provider keys and drops limits below 1.
func NormalizeLimits(limits map[string]int) map[string]int {
	if len(limits) == 0 {
		return nil
	}
	out := make(map[string]int, len(limits))
	for provider, limit := range limits {
		key := strings.ToLower(strings.TrimSpace(provider))
		if key == "" || limit < 1 {
			continue
		}
		out[key] = limit
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate reports missing settings required to serve credentials.
func (cfg *Config) Validate() error {
	if cfg.EncryptionKey == "" {
		return &secret.ConfigurationError{Setting: "ENCRYPTION_KEY", Reason: "is required"}
	}
	if len(cfg.EncryptionKey) < secret.MinPassphraseLength {
		return &secret.ConfigurationError{
			Setting: "ENCRYPTION_KEY",
			Reason:  fmt.Sprintf("must be at least %d characters", secret.MinPassphraseLength),
		}
	}
	return nil
}

// MongoURI returns the connection string: MONGO_URI when set, otherwise one
// built from the parts with authSource=admin.
func (cfg *Config) MongoURI() (string, error) {
	if uri := strings.TrimSpace(cfg.Mongo.URI); uri != "" {
		return uri, nil
	}
	if cfg.Mongo.Password == "" {
		return "", &secret.ConfigurationError{Setting: "MONGO_URI", Reason: "set MONGO_URI or MONGO_PASSWORD"}
	}
	u := url.URL{
		Scheme:   "mongodb",
		User:     url.UserPassword(cfg.Mongo.Username, cfg.Mongo.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Mongo.Host, cfg.Mongo.Port),
		Path:     "/" + cfg.Mongo.Database,
		RawQuery: "authSource=admin",
	}
	return u.String(), nil
}

// SocketMode parses the configured socket permissions.
func (cfg *Config) SocketMode() os.FileMode {
	mode, err := parseMode(cfg.CredentialSocket.Mode)
	if err != nil {
		mode, _ = parseMode(DefaultSocketMode)
	}
	return mode
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, err
	}
	if v > 0o777 {
		return 0, fmt.Errorf("mode %q out of range", s)
	}
	return os.FileMode(v), nil
}

// GatewayTimeout returns the per-request gateway timeout.
func (cfg *Config) GatewayTimeout() time.Duration {
	return time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second
}

// ModelsCacheTTL returns the lifetime of the available-models cache.
func (cfg *Config) ModelsCacheTTL() time.Duration {
	return time.Duration(cfg.ModelsCacheSeconds) * time.Second
}

// FallbackCacheTTL returns the lifetime of the fallback chain cache.
func (cfg *Config) FallbackCacheTTL() time.Duration {
	return time.Duration(cfg.Gateway.FallbackCacheSeconds) * time.Second
}

// SocketReloadInterval returns the credential socket cache reload interval.
func (cfg *Config) SocketReloadInterval() time.Duration {
	return time.Duration(cfg.CredentialSocket.ReloadSeconds) * time.Second
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// CheckUISecret reports whether provided matches the configured UI secret hash.
func (cfg *Config) CheckUISecret(provided string) bool {
	if cfg.UISecret == "" || provided == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(cfg.UISecret), []byte(provided)) == nil
}

// SaveConfigPreserveCommentsUpdateNestedScalar updates a nested scalar key path like ["a","b"]
// while preserving comments and positions.
func SaveConfigPreserveCommentsUpdateNestedScalar(configFile string, path []string, value string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("invalid yaml document structure")
	}
	node := root.Content[0]
	for i, key := range path {
		if i == len(path)-1 {
			v := getOrCreateMapValue(node, key)
			v.Kind = yaml.ScalarNode
			v.Tag = "!!str"
			v.Value = value
		} else {
			next := getOrCreateMapValue(node, key)
			if next.Kind != yaml.MappingNode {
				next.Kind = yaml.MappingNode
				next.Tag = "!!map"
			}
			node = next
		}
	}
	info, err := os.Stat(configFile)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(&root); err != nil {
		_ = enc.Close()
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(configFile, NormalizeCommentIndentation(buf.Bytes()), info.Mode().Perm())
}

// NormalizeCommentIndentation removes indentation from standalone YAML comment lines to keep them left aligned.
func NormalizeCommentIndentation(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	changed := false
	for i, line := range lines {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 || trimmed[0] != '#' {
			continue
		}
		if len(trimmed) == len(line) {
			continue
		}
		lines[i] = append([]byte(nil), trimmed...)
		changed = true
	}
	if !changed {
		return data
	}
	return bytes.Join(lines, []byte("\n"))
}

// getOrCreateMapValue finds the value node for a given key in a mapping node.
// If not found, it appends a new key/value pair and returns the new value node.
func getOrCreateMapValue(mapNode *yaml.Node, key string) *yaml.Node {
	if mapNode.Kind != yaml.MappingNode {
		mapNode.Kind = yaml.MappingNode
		mapNode.Tag = "!!map"
		mapNode.Content = nil
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	mapNode.Content = append(mapNode.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key})
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ""}
	mapNode.Content = append(mapNode.Content, val)
	return val
}
