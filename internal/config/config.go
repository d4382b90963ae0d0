// Package config implements Nancy's typed, hierarchical configuration:
// load from YAML, apply ${VAR} / ${VAR:-default} environment
// interpolation to every string field in the tree after unmarshal, and
// validate the result before any component starts.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bruised-ego-labs/nancy/internal/nerr"
)

// Config is the root of Nancy's configuration tree.
type Config struct {
	NancyCore    NancyCore          `yaml:"nancy_core"`
	Orchestration Orchestration     `yaml:"orchestration"`
	Brains       Brains             `yaml:"brains"`
	Extractors   ExtractorsConfig   `yaml:"extractors"`
	Security     *SecurityConfig    `yaml:"security,omitempty"`
	Performance  *PerformanceConfig `yaml:"performance,omitempty"`
	Logging      *LoggingConfig     `yaml:"logging,omitempty"`
}

// NancyCore identifies this instance.
type NancyCore struct {
	Version      string `yaml:"version"`
	InstanceName string `yaml:"instance_name"`
	Description  string `yaml:"description,omitempty"`
}

// OrchestrationMode selects how the router plans brain usage.
type OrchestrationMode string

const (
	ModeFourBrain  OrchestrationMode = "four_brain"
	ModeSimplified OrchestrationMode = "simplified"
	ModeCustom     OrchestrationMode = "custom"
)

// RoutingStrategy selects how intent maps to a brain plan.
type RoutingStrategy string

const (
	RoutingLLM   RoutingStrategy = "llm_router"
	RoutingRule  RoutingStrategy = "rule_based"
	RoutingCustom RoutingStrategy = "custom"
)

// Orchestration controls router-level behavior.
type Orchestration struct {
	Mode                OrchestrationMode `yaml:"mode"`
	MultiStepThreshold  float64           `yaml:"multi_step_threshold"`
	RoutingStrategy     RoutingStrategy   `yaml:"routing_strategy"`
	MaxQueryComplexity  int               `yaml:"max_query_complexity"`
	EnableQueryCaching  bool              `yaml:"enable_query_caching"`
	ConfidenceThreshold float64           `yaml:"confidence_threshold"`
	ResultsPerBrain     int               `yaml:"results_per_brain"`
}

// Brains groups the four backend configurations.
type Brains struct {
	Vector     VectorBrainConfig     `yaml:"vector"`
	Analytical AnalyticalBrainConfig `yaml:"analytical"`
	Graph      GraphBrainConfig      `yaml:"graph"`
	Linguistic LinguisticBrainConfig `yaml:"linguistic"`
}

// ConnectionConfig is a generic backend connection descriptor shared
// across brain configs; concrete adapters interpret the keys they need.
type ConnectionConfig struct {
	DSN      string            `yaml:"dsn,omitempty"`
	Host     string            `yaml:"host,omitempty"`
	Port     int               `yaml:"port,omitempty"`
	Database string            `yaml:"database,omitempty"`
	Username string            `yaml:"username,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Path     string            `yaml:"path,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// VectorBackend enumerates supported vector-store backends.
type VectorBackend string

const (
	VectorBackendA VectorBackend = "A"
	VectorBackendB VectorBackend = "B"
	VectorBackendC VectorBackend = "C"
	VectorBackendD VectorBackend = "D"
	VectorBackendE VectorBackend = "E"
)

var validVectorBackends = map[VectorBackend]bool{
	VectorBackendA: true, VectorBackendB: true, VectorBackendC: true,
	VectorBackendD: true, VectorBackendE: true,
}

// VectorBrainConfig configures the semantic-similarity brain.
type VectorBrainConfig struct {
	Backend       VectorBackend    `yaml:"backend"`
	EmbeddingModel string          `yaml:"embedding_model"`
	ChunkSize     int              `yaml:"chunk_size"`
	ChunkOverlap  int              `yaml:"chunk_overlap"`
	Connection    ConnectionConfig `yaml:"connection"`
}

// AnalyticalBackend enumerates supported analytical-store backends.
type AnalyticalBackend string

const (
	AnalyticalColumnar    AnalyticalBackend = "columnar"
	AnalyticalRelational1 AnalyticalBackend = "relational-1"
	AnalyticalRelational2 AnalyticalBackend = "relational-2"
	AnalyticalColumnStore AnalyticalBackend = "column-store"
)

var validAnalyticalBackends = map[AnalyticalBackend]bool{
	AnalyticalColumnar: true, AnalyticalRelational1: true,
	AnalyticalRelational2: true, AnalyticalColumnStore: true,
}

// AnalyticalBrainConfig configures the structured-metadata brain.
type AnalyticalBrainConfig struct {
	Backend           AnalyticalBackend `yaml:"backend"`
	Connection        ConnectionConfig  `yaml:"connection"`
	QueryTimeoutSeconds int             `yaml:"query_timeout_seconds"`
}

// GraphBackend enumerates supported graph-store backends.
type GraphBackend string

const (
	GraphBackendG1 GraphBackend = "G1"
	GraphBackendG2 GraphBackend = "G2"
	GraphBackendG3 GraphBackend = "G3"
	GraphBackendG4 GraphBackend = "G4"
)

var validGraphBackends = map[GraphBackend]bool{
	GraphBackendG1: true, GraphBackendG2: true, GraphBackendG3: true, GraphBackendG4: true,
}

// SchemaMode selects how strictly the graph schema is enforced.
type SchemaMode string

const (
	SchemaFoundational SchemaMode = "foundational"
	SchemaCustom       SchemaMode = "custom"
	SchemaFlexible     SchemaMode = "flexible"
)

// GraphBrainConfig configures the entity/relationship brain.
type GraphBrainConfig struct {
	Backend             GraphBackend     `yaml:"backend"`
	SchemaMode          SchemaMode       `yaml:"schema_mode"`
	Connection          ConnectionConfig `yaml:"connection"`
	MaxRelationshipDepth int             `yaml:"max_relationship_depth"`
}

// LinguisticBrainConfig configures the LLM brain.
type LinguisticBrainConfig struct {
	PrimaryLLM  string           `yaml:"primary_llm"`
	FallbackLLM string           `yaml:"fallback_llm,omitempty"`
	Connection  ConnectionConfig `yaml:"connection"`
	Temperature float64          `yaml:"temperature"`
	MaxTokens   int              `yaml:"max_tokens"`
}

// ExtractorSpec describes one configured extraction worker.
type ExtractorSpec struct {
	Name                      string            `yaml:"name"`
	Executable                string            `yaml:"executable"`
	Args                      []string          `yaml:"args,omitempty"`
	AutoStart                 bool              `yaml:"auto_start"`
	Capabilities              []string          `yaml:"capabilities,omitempty"`
	SupportedExtensions       []string          `yaml:"supported_extensions"`
	Environment               map[string]string `yaml:"environment,omitempty"`
	HealthCheckIntervalSeconds int              `yaml:"health_check_interval_seconds"`
}

// ExtractorsConfig configures the Extractor Host.
type ExtractorsConfig struct {
	EnabledExtractors      []ExtractorSpec `yaml:"enabled_extractors"`
	AutoDiscovery          bool            `yaml:"auto_discovery"`
	ExtractorTimeoutSeconds int            `yaml:"extractor_timeout_seconds"`
}

// SecurityConfig bounds what ingestion/extraction is allowed to touch.
type SecurityConfig struct {
	Authentication map[string]string `yaml:"authentication,omitempty"`
	Sandbox        SandboxConfig     `yaml:"sandbox"`
}

// SandboxConfig restricts file ingestion.
type SandboxConfig struct {
	AllowedFileExtensions []string `yaml:"allowed_file_extensions"`
	MaxFileSizeMB         int      `yaml:"max_file_size_mb"`
}

// PerformanceConfig bounds concurrency and caching.
type PerformanceConfig struct {
	QueryTimeoutSeconds int  `yaml:"query_timeout_seconds"`
	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`
	CacheEnabled        bool `yaml:"cache_enabled"`
	CacheTTLMinutes     int  `yaml:"cache_ttl_minutes"`
	MemoryLimitMB       int  `yaml:"memory_limit_mb"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level                     string `yaml:"level"`
	Structured                bool   `yaml:"structured"`
	IncludePerformanceMetrics bool   `yaml:"include_performance_metrics"`
	LogQueries                bool   `yaml:"log_queries"`
	RetentionDays             int    `yaml:"retention_days"`
}

// Default returns a complete, valid default configuration.
func Default() *Config {
	return &Config{
		NancyCore: NancyCore{Version: "1.0.0", InstanceName: "nancy"},
		Orchestration: Orchestration{
			Mode:                ModeFourBrain,
			MultiStepThreshold:  0.5,
			RoutingStrategy:     RoutingLLM,
			MaxQueryComplexity:  5,
			EnableQueryCaching:  false,
			ConfidenceThreshold: 0.5,
			ResultsPerBrain:     10,
		},
		Brains: Brains{
			Vector: VectorBrainConfig{
				Backend:        VectorBackendA,
				EmbeddingModel: "text-embedding-004",
				ChunkSize:      1000,
				ChunkOverlap:   200,
				Connection:     ConnectionConfig{Path: "data/vector.db"},
			},
			Analytical: AnalyticalBrainConfig{
				Backend:             AnalyticalRelational1,
				Connection:          ConnectionConfig{Path: "data/analytical.db"},
				QueryTimeoutSeconds: 30,
			},
			Graph: GraphBrainConfig{
				Backend:              GraphBackendG1,
				SchemaMode:           SchemaFoundational,
				Connection:           ConnectionConfig{Path: "data/graph.db"},
				MaxRelationshipDepth: 3,
			},
			Linguistic: LinguisticBrainConfig{
				PrimaryLLM:  "gemini-2.0-flash",
				Temperature: 0.2,
				MaxTokens:   2048,
			},
		},
		Extractors: ExtractorsConfig{
			AutoDiscovery:           false,
			ExtractorTimeoutSeconds: 30,
		},
		Performance: &PerformanceConfig{
			QueryTimeoutSeconds:  20,
			MaxConcurrentQueries: 8,
			CacheEnabled:         false,
			CacheTTLMinutes:      10,
			MemoryLimitMB:        2048,
		},
		Logging: &LoggingConfig{Level: "info", Structured: true},
	}
}

// Load reads and parses a YAML configuration file, applies environment
// interpolation, and validates it. A missing file is a configuration
// error: config is process-wide and startup-fatal, so a missing file
// should not silently mask misconfiguration by falling back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &nerr.ConfigurationError{Field: "path", Reason: err.Error()}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &nerr.ConfigurationError{Field: "yaml", Reason: err.Error()}
	}

	if err := interpolateEnv(reflect.ValueOf(cfg)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnv walks the config tree by reflection and expands
// ${VAR} / ${VAR:-default} in every string field in place. Missing
// required variables (no default given) abort startup.
func interpolateEnv(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return interpolateEnv(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				continue
			}
			if err := interpolateEnv(f); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := interpolateEnv(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			val := v.MapIndex(k)
			if val.Kind() == reflect.String {
				expanded, err := expandString(val.String())
				if err != nil {
					return err
				}
				v.SetMapIndex(k, reflect.ValueOf(expanded))
			}
		}
	case reflect.String:
		expanded, err := expandString(v.String())
		if err != nil {
			return err
		}
		v.SetString(expanded)
	}
	return nil
}

func expandString(s string) (string, error) {
	var firstErr error
	result := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		if firstErr == nil {
			firstErr = &nerr.ConfigurationError{
				Field:  name,
				Reason: "required environment variable is not set",
			}
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Validate rejects unknown backend enums and obviously inconsistent
// settings.
func (c *Config) Validate() error {
	if !validVectorBackends[c.Brains.Vector.Backend] {
		return &nerr.ConfigurationError{Field: "brains.vector.backend", Reason: fmt.Sprintf("unknown vector backend %q", c.Brains.Vector.Backend)}
	}
	if !validAnalyticalBackends[c.Brains.Analytical.Backend] {
		return &nerr.ConfigurationError{Field: "brains.analytical.backend", Reason: fmt.Sprintf("unknown analytical backend %q", c.Brains.Analytical.Backend)}
	}
	if !validGraphBackends[c.Brains.Graph.Backend] {
		return &nerr.ConfigurationError{Field: "brains.graph.backend", Reason: fmt.Sprintf("unknown graph backend %q", c.Brains.Graph.Backend)}
	}
	if c.Brains.Graph.MaxRelationshipDepth <= 0 {
		return &nerr.ConfigurationError{Field: "brains.graph.max_relationship_depth", Reason: "must be positive to guarantee traversal termination"}
	}
	if c.Orchestration.MultiStepThreshold < 0 || c.Orchestration.MultiStepThreshold > 1 {
		return &nerr.ConfigurationError{Field: "orchestration.multi_step_threshold", Reason: "must be within [0,1]"}
	}
	for _, ex := range c.Extractors.EnabledExtractors {
		if ex.Name == "" || ex.Executable == "" {
			return &nerr.ConfigurationError{Field: "extractors.enabled_extractors", Reason: "name and executable are required"}
		}
	}
	return nil
}

// QueryTimeout returns the configured global query timeout, defaulting
// to 30s when unset.
func (c *Config) QueryTimeout() time.Duration {
	if c.Performance != nil && c.Performance.QueryTimeoutSeconds > 0 {
		return time.Duration(c.Performance.QueryTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ExtractorTimeout returns the configured per-RPC extractor timeout.
func (c *Config) ExtractorTimeout() time.Duration {
	if c.Extractors.ExtractorTimeoutSeconds > 0 {
		return time.Duration(c.Extractors.ExtractorTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// AnalyticalQueryTimeout returns the analytical brain's per-operation timeout.
func (c *Config) AnalyticalQueryTimeout() time.Duration {
	if c.Brains.Analytical.QueryTimeoutSeconds > 0 {
		return time.Duration(c.Brains.Analytical.QueryTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConcurrentQueries returns the router's query concurrency bound.
func (c *Config) MaxConcurrentQueries() int64 {
	if c.Performance != nil && c.Performance.MaxConcurrentQueries > 0 {
		return int64(c.Performance.MaxConcurrentQueries)
	}
	return 8
}

// ConfidenceThreshold returns the intent-classification confidence
// below which the router also consults the vector brain, whatever the
// classified query type.
func (c *Config) ConfidenceThreshold() float64 {
	if c.Orchestration.ConfidenceThreshold > 0 {
		return c.Orchestration.ConfidenceThreshold
	}
	return 0.5
}

// ResultsPerBrain returns the router's result limit: the vector brain
// is asked for this many chunks and the merged, ranked list is
// truncated to it before synthesis.
func (c *Config) ResultsPerBrain() int {
	if c.Orchestration.ResultsPerBrain > 0 {
		return c.Orchestration.ResultsPerBrain
	}
	return 10
}
