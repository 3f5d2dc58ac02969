package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "/settings/hls-engine.json"

// Config holds every tunable of the HLS engine: transport identity, retry and
// timeout policy, adaptation bounds, worker sizing and the command harness.
type Config struct {
	LogLevel                  string        `json:"logLevel"`                  // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls             bool          `json:"obfuscateUrls"`             // Obfuscate URLs in logs
	UserAgent                 string        `json:"userAgent"`                 // HTTP User-Agent for every request
	ReqOrigin                 string        `json:"reqOrigin"`                 // HTTP Origin header, optional
	ReqReferrer               string        `json:"reqReferrer"`               // HTTP Referer header, optional
	PlaylistRequestsPerSecond int           `json:"playlistRequestsPerSecond"` // Per-transport playlist fetch throttle
	MaxPlaylistRetries        int           `json:"maxPlaylistRetries"`        // Download+parse attempts before ErrParse
	PrepareTimeout            time.Duration `json:"prepareTimeout"`            // Bound on prepare() waiting for Prepared
	PlayTimeout               time.Duration `json:"playTimeout"`               // Bound on play() waiting for Playing, 0 disables
	FailFastToInvalid         bool          `json:"failFastToInvalid"`         // Move session to Invalid on fatal worker error
	SegmentBoundaryEpsilon    float64       `json:"segmentBoundaryEpsilon"`    // Tolerance (seconds) when matching positions to segments
	SegmentRetryDelay         time.Duration `json:"segmentRetryDelay"`         // Sleep between segment download retries
	PlaylistRetryDelay        time.Duration `json:"playlistRetryDelay"`        // Sleep between playlist download retries
	LiveTailPollInterval      time.Duration `json:"liveTailPollInterval"`      // Downloader sleep when a live playlist has no new segment
	BitrateMin                int           `json:"bitrateMin"`                // Lower adaptation bound in bits/s
	BitrateMax                int           `json:"bitrateMax"`                // Upper adaptation bound in bits/s, 0 = unbounded
	ScratchDir                string        `json:"scratchDir"`                // Directory for transient segment files
	WorkerThreads             int           `json:"workerThreads"`             // Size of the shared download helper pool
	MaxSessions               int           `json:"maxSessions"`               // Maximum concurrent sessions
	KeyCacheSize              int           `json:"keyCacheSize"`              // Maximum cached AES keys
	KeyCacheTTL               time.Duration `json:"keyCacheTTL"`               // Lifetime of cached AES keys
	ListenAddr                string        `json:"listenAddr"`                // Status/metrics listener, empty disables
	SourceURL                 string        `json:"sourceURL"`                 // Playlist played by the command harness
	OutputPath                string        `json:"outputPath"`                // File receiving player output
	PlayerBuffers             int           `json:"playerBuffers"`             // Buffer slots offered by the file player
	PlayerBufferSize          int           `json:"playerBufferSize"`          // Bytes per buffer slot
	StartSpeed                float64       `json:"startSpeed"`                // Initial playback speed of the harness
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "5s") are parsed into time.Duration values.
type ConfigFile struct {
	LogLevel                  string  `json:"logLevel"`
	ObfuscateUrls             bool    `json:"obfuscateUrls"`
	UserAgent                 string  `json:"userAgent"`
	ReqOrigin                 string  `json:"reqOrigin"`
	ReqReferrer               string  `json:"reqReferrer"`
	PlaylistRequestsPerSecond int     `json:"playlistRequestsPerSecond"`
	MaxPlaylistRetries        int     `json:"maxPlaylistRetries"`
	PrepareTimeout            string  `json:"prepareTimeout"` // Duration as string (e.g., "5s")
	PlayTimeout               string  `json:"playTimeout"`    // Empty or "0s" disables the bound
	FailFastToInvalid         bool    `json:"failFastToInvalid"`
	SegmentBoundaryEpsilon    float64 `json:"segmentBoundaryEpsilon"`
	SegmentRetryDelay         string  `json:"segmentRetryDelay"`
	PlaylistRetryDelay        string  `json:"playlistRetryDelay"`
	LiveTailPollInterval      string  `json:"liveTailPollInterval"`
	BitrateMin                int     `json:"bitrateMin"`
	BitrateMax                int     `json:"bitrateMax"`
	ScratchDir                string  `json:"scratchDir"`
	WorkerThreads             int     `json:"workerThreads"`
	MaxSessions               int     `json:"maxSessions"`
	KeyCacheSize              int     `json:"keyCacheSize"`
	KeyCacheTTL               string  `json:"keyCacheTTL"`
	ListenAddr                string  `json:"listenAddr"`
	SourceURL                 string  `json:"sourceURL"`
	OutputPath                string  `json:"outputPath"`
	PlayerBuffers             int     `json:"playerBuffers"`
	PlayerBufferSize          int     `json:"playerBufferSize"`
	StartSpeed                float64 `json:"startSpeed"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from path (DefaultConfigPath when empty).
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	if path == "" {
		path = DefaultConfigPath
	}
	config, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = Default()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	configCache = config

	if config.LogLevel == "DEBUG" {
		log.Printf("Configuration loaded:")
		log.Printf("  Source: %s", obfuscateURL(config.SourceURL))
		log.Printf("  Bitrate bounds: %d - %d", config.BitrateMin, config.BitrateMax)
		log.Printf("  Prepare timeout: %v, play timeout: %v", config.PrepareTimeout, config.PlayTimeout)
		log.Printf("  Fail fast to invalid: %v", config.FailFastToInvalid)
		log.Printf("  Worker threads: %d, max sessions: %d", config.WorkerThreads, config.MaxSessions)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// parseOptionalDuration parses s, returning zero for an empty string.
func parseOptionalDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		LogLevel:                  cf.LogLevel,
		ObfuscateUrls:             cf.ObfuscateUrls,
		UserAgent:                 cf.UserAgent,
		ReqOrigin:                 cf.ReqOrigin,
		ReqReferrer:               cf.ReqReferrer,
		PlaylistRequestsPerSecond: cf.PlaylistRequestsPerSecond,
		MaxPlaylistRetries:        cf.MaxPlaylistRetries,
		FailFastToInvalid:         cf.FailFastToInvalid,
		SegmentBoundaryEpsilon:    cf.SegmentBoundaryEpsilon,
		BitrateMin:                cf.BitrateMin,
		BitrateMax:                cf.BitrateMax,
		ScratchDir:                cf.ScratchDir,
		WorkerThreads:             cf.WorkerThreads,
		MaxSessions:               cf.MaxSessions,
		KeyCacheSize:              cf.KeyCacheSize,
		ListenAddr:                cf.ListenAddr,
		SourceURL:                 cf.SourceURL,
		OutputPath:                cf.OutputPath,
		PlayerBuffers:             cf.PlayerBuffers,
		PlayerBufferSize:          cf.PlayerBufferSize,
		StartSpeed:                cf.StartSpeed,
	}

	var err error
	if config.PrepareTimeout, err = parseOptionalDuration("prepareTimeout", cf.PrepareTimeout); err != nil {
		return nil, err
	}
	if config.PlayTimeout, err = parseOptionalDuration("playTimeout", cf.PlayTimeout); err != nil {
		return nil, err
	}
	if config.SegmentRetryDelay, err = parseOptionalDuration("segmentRetryDelay", cf.SegmentRetryDelay); err != nil {
		return nil, err
	}
	if config.PlaylistRetryDelay, err = parseOptionalDuration("playlistRetryDelay", cf.PlaylistRetryDelay); err != nil {
		return nil, err
	}
	if config.LiveTailPollInterval, err = parseOptionalDuration("liveTailPollInterval", cf.LiveTailPollInterval); err != nil {
		return nil, err
	}
	if config.KeyCacheTTL, err = parseOptionalDuration("keyCacheTTL", cf.KeyCacheTTL); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns a baseline configuration
// with sensible defaults when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:                  "INFO",
		ObfuscateUrls:             false,
		UserAgent:                 "hls-engine/1.0",
		PlaylistRequestsPerSecond: 10,
		MaxPlaylistRetries:        3,
		PrepareTimeout:            5 * time.Second,
		PlayTimeout:               0,
		FailFastToInvalid:         false,
		SegmentBoundaryEpsilon:    0.0001,
		SegmentRetryDelay:         1 * time.Second,
		PlaylistRetryDelay:        500 * time.Millisecond,
		LiveTailPollInterval:      1 * time.Second,
		BitrateMin:                0,
		BitrateMax:                0,
		ScratchDir:                os.TempDir(),
		WorkerThreads:             8,
		MaxSessions:               4,
		KeyCacheSize:              256,
		KeyCacheTTL:               10 * time.Minute,
		ListenAddr:                ":8090",
		OutputPath:                "output.ts",
		PlayerBuffers:             16,
		PlayerBufferSize:          64 * 1024,
		StartSpeed:                1.0,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	defaults := Default()

	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.PlaylistRequestsPerSecond <= 0 {
		config.PlaylistRequestsPerSecond = defaults.PlaylistRequestsPerSecond
	}
	if config.MaxPlaylistRetries <= 0 {
		config.MaxPlaylistRetries = defaults.MaxPlaylistRetries
	}
	if config.PrepareTimeout <= 0 {
		config.PrepareTimeout = defaults.PrepareTimeout
	}
	if config.PlayTimeout < 0 {
		config.PlayTimeout = 0
	}
	if config.SegmentBoundaryEpsilon <= 0 {
		config.SegmentBoundaryEpsilon = defaults.SegmentBoundaryEpsilon
	}
	if config.SegmentRetryDelay <= 0 {
		config.SegmentRetryDelay = defaults.SegmentRetryDelay
	}
	if config.PlaylistRetryDelay <= 0 {
		config.PlaylistRetryDelay = defaults.PlaylistRetryDelay
	}
	if config.LiveTailPollInterval <= 0 {
		config.LiveTailPollInterval = defaults.LiveTailPollInterval
	}
	if config.BitrateMin < 0 {
		config.BitrateMin = 0
	}
	if config.BitrateMax < 0 {
		config.BitrateMax = 0
	}
	if config.ScratchDir == "" {
		config.ScratchDir = defaults.ScratchDir
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaults.MaxSessions
	}
	if config.KeyCacheSize <= 0 {
		config.KeyCacheSize = defaults.KeyCacheSize
	}
	if config.KeyCacheTTL <= 0 {
		config.KeyCacheTTL = defaults.KeyCacheTTL
	}
	if config.PlayerBuffers <= 0 {
		config.PlayerBuffers = defaults.PlayerBuffers
	}
	if config.PlayerBufferSize < 16 {
		config.PlayerBufferSize = defaults.PlayerBufferSize
	}
	if config.StartSpeed == 0 {
		config.StartSpeed = defaults.StartSpeed
	}
	// ListenAddr, SourceURL and OutputPath may remain empty
}

// EffectiveBitrateMax returns the upper adaptation bound with 0 meaning unbounded.
func (c *Config) EffectiveBitrateMax() int {
	if c.BitrateMax <= 0 {
		return int(^uint(0) >> 1)
	}
	return c.BitrateMax
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		LogLevel:                  "INFO",
		ObfuscateUrls:             true,
		UserAgent:                 "hls-engine/1.0",
		PlaylistRequestsPerSecond: 10,
		MaxPlaylistRetries:        3,
		PrepareTimeout:            "5s",
		PlayTimeout:               "",
		SegmentBoundaryEpsilon:    0.0001,
		SegmentRetryDelay:         "1s",
		PlaylistRetryDelay:        "500ms",
		LiveTailPollInterval:      "1s",
		BitrateMin:                0,
		BitrateMax:                8000000,
		ScratchDir:                "/tmp/hls-engine",
		WorkerThreads:             8,
		MaxSessions:               4,
		KeyCacheSize:              256,
		KeyCacheTTL:               "10m",
		ListenAddr:                ":8090",
		SourceURL:                 "http://example.com/master.m3u8",
		OutputPath:                "output.ts",
		PlayerBuffers:             16,
		PlayerBufferSize:          65536,
		StartSpeed:                1.0,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
