package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is loaded once at startup
// from defaults, an optional YAML file, and environment overrides, and is
// read through an atomic snapshot so request handlers never observe a
// partially updated config.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Index      IndexConfig      `yaml:"index"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Patterns   PatternsConfig   `yaml:"patterns"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Path          string        `yaml:"path"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// TTLDays maps an event category (the "tipo" field) to a retention in
	// days. Categories absent from the map are retained indefinitely.
	TTLDays map[string]int `yaml:"ttl_days"`
}

type IndexConfig struct {
	Path      string `yaml:"path"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`

	// Disabled switches the service to store-only degraded mode: events
	// persist to the event log but are never indexed or vector-searched.
	Disabled bool `yaml:"disabled"`

	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

type EmbeddingsConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Deployment string        `yaml:"deployment"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxChars   int           `yaml:"max_chars"`
}

type RetrievalConfig struct {
	DefaultTop  int           `yaml:"default_top"`
	CandidateK  int           `yaml:"candidate_k"`
	RecentLimit int           `yaml:"recent_limit"`
	RecapWindow time.Duration `yaml:"recap_window"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheSize   int64         `yaml:"cache_size"`
}

// PatternsConfig is the single source of truth for the lexical tables used
// by the intent classifier and the meta-operational filter. An optional
// external file can override the built-in tables and is hot-reloaded.
type PatternsConfig struct {
	File         string              `yaml:"file"`
	MetaPatterns []string            `yaml:"meta_patterns"`
	Intents      map[string][]string `yaml:"intents"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path:          "recall.db",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			SweepInterval: time.Hour,
			TTLDays: map[string]int{
				"diagnostic": 7,
				"fix":        30,
			},
		},
		Index: IndexConfig{
			Path:      "recall.bleve",
			Dimension: 1536,
			BatchSize: 50,
			QueueSize: 1024,
			Workers:   2,
		},
		Embeddings: EmbeddingsConfig{
			Deployment: "text-embedding-3-small",
			Timeout:    30 * time.Second,
			MaxChars:   8000,
		},
		Retrieval: RetrievalConfig{
			DefaultTop:  5,
			CandidateK:  20,
			RecentLimit: 20,
			RecapWindow: 7 * 24 * time.Hour,
			CacheTTL:    30 * time.Second,
			CacheSize:   32 << 20,
		},
		Patterns: PatternsConfig{
			MetaPatterns: DefaultMetaPatterns(),
			Intents:      DefaultIntentTriggers(),
		},
	}
}

// DefaultMetaPatterns returns the built-in meta-operational substrings.
// Text matching any of these describes the memory system itself and is
// never persisted or recalled.
func DefaultMetaPatterns() []string {
	return []string{
		"consulta de historial completada",
		"interacciones recientes",
		"sin resumen de conversación",
		"sin actividad previa",
		"health check ok",
	}
}

// DefaultIntentTriggers returns the built-in intent trigger table.
func DefaultIntentTriggers() map[string][]string {
	return map[string][]string{
		"recap":  {"qué quedamos", "que quedamos", "resumen", "último", "ultimo", "reciente"},
		"errors": {"error", "fallo", "problema", "crítico", "critico"},
		"task":   {"ejecut", "deploy", "crear", "comando"},
		"doc":    {"archivo", "código", "codigo", "script", "función", "funcion"},
	}
}

// Manager holds the current config snapshot and notifies watchers on
// reload.
type Manager struct {
	configPtr unsafe.Pointer
	path      string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

// NewManager creates a manager seeded with defaults. path may be empty,
// in which case only defaults and environment apply.
func NewManager(path string) *Manager {
	m := &Manager{
		path:      path,
		stopWatch: make(chan struct{}),
	}
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(DefaultConfig()))
	return m
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load reads the YAML file (when present), applies environment overrides,
// loads the external pattern file (when configured), and swaps in the new
// snapshot.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if m.path != "" {
		if err := loadYAMLFile(m.path, cfg); err != nil {
			return fmt.Errorf("config file %s: %w", m.path, err)
		}
	}

	applyEnvironment(cfg)

	if cfg.Patterns.File != "" {
		if err := loadPatternsFile(cfg.Patterns.File, &cfg.Patterns); err != nil {
			return fmt.Errorf("patterns file %s: %w", cfg.Patterns.File, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)
	return nil
}

// Validate checks invariants that must hold before the service starts.
func (c *Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index batch size must be positive, got %d", c.Index.BatchSize)
	}
	if c.Embeddings.MaxChars <= 0 {
		return fmt.Errorf("embeddings max_chars must be positive, got %d", c.Embeddings.MaxChars)
	}
	return nil
}

// OnChange registers a callback invoked with each new snapshot.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	defer m.watcherMu.RUnlock()
	for _, fn := range m.watchers {
		fn(cfg)
	}
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadPatternsFile(path string, patterns *PatternsConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file struct {
		MetaPatterns []string            `yaml:"meta_patterns"`
		Intents      map[string][]string `yaml:"intents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	if len(file.MetaPatterns) > 0 {
		patterns.MetaPatterns = file.MetaPatterns
	}
	if len(file.Intents) > 0 {
		patterns.Intents = file.Intents
	}
	return nil
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("RECALL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RECALL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RECALL_INDEX_PATH"); v != "" {
		cfg.Index.Path = v
	}
	if v := os.Getenv("RECALL_INDEX_DISABLED"); v != "" {
		cfg.Index.Disabled = v == "1" || v == "true"
	}
	if v := os.Getenv("RECALL_EMBEDDING_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Index.Dimension = d
		}
	}
	if v := os.Getenv("RECALL_EMBEDDING_DEPLOYMENT"); v != "" {
		cfg.Embeddings.Deployment = v
	}
	if v := os.Getenv("RECALL_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("RECALL_PATTERNS_FILE"); v != "" {
		cfg.Patterns.File = v
	}
}
