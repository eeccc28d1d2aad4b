package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/performance/stages"
)

// Defaults applied by ApplyDefaults and the scenario helpers.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultThinkTime         = time.Second
	DefaultGracefulStop      = 30 * time.Second
	DefaultThresholdInterval = time.Second
	DefaultUserAgent         = "volley/1.0"
	DefaultIdleConnsPerHost  = 100
)

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// Returns the parsed TestConfig or an error if parsing fails.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	config.Normalize()
	return &config, nil
}

// Normalize turns top-level stages and requests into the default scenario.
// It is safe to call more than once.
func (c *TestConfig) Normalize() {
	if len(c.Stages) == 0 && len(c.Requests) == 0 {
		return
	}
	if c.Scenarios == nil {
		c.Scenarios = make(map[string]*ScenarioConfig)
	}
	if _, exists := c.Scenarios[DefaultScenarioName]; exists {
		return
	}

	c.Scenarios[DefaultScenarioName] = &ScenarioConfig{
		Executor:        ExecutorRampingVUs,
		Stages:          c.Stages,
		Requests:        c.Requests,
		ThinkTime:       c.ThinkTime,
		ThinkTimeJitter: c.ThinkTimeJitter,
	}
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
//
// An empty string parses as zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// durationOr parses s, falling back to def when s is empty.
func durationOr(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return ParseDurationString(s)
}

// ScheduleStages converts the scenario's load profile into scheduler stages.
// constant-vus becomes a single hold stage.
func (sc *ScenarioConfig) ScheduleStages() ([]stages.Stage, error) {
	switch executorType(sc) {
	case ExecutorConstantVUs:
		d, err := ParseDurationString(sc.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		return []stages.Stage{{Duration: d, Target: sc.VUs, Hold: true, Name: "constant"}}, nil

	default:
		out := make([]stages.Stage, 0, len(sc.Stages))
		for i, st := range sc.Stages {
			d, err := ParseDurationString(st.Duration)
			if err != nil {
				return nil, fmt.Errorf("stage %d: invalid duration: %w", i+1, err)
			}
			name := st.Name
			if name == "" {
				name = fmt.Sprintf("stage-%d", i+1)
			}
			out = append(out, stages.Stage{Duration: d, Target: st.Target, Hold: st.Hold, Name: name})
		}
		return out, nil
	}
}

// ThinkTimes returns the think-time and jitter, applying the 1s default.
func (sc *ScenarioConfig) ThinkTimes() (thinkTime, jitter time.Duration, err error) {
	thinkTime, err = durationOr(sc.ThinkTime, DefaultThinkTime)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid thinkTime: %w", err)
	}
	jitter, err = ParseDurationString(sc.ThinkTimeJitter)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid thinkTimeJitter: %w", err)
	}
	return thinkTime, jitter, nil
}

// GracefulStopDuration returns the scenario's graceful stop, falling back
// to the test-wide option and then to 30s.
func (c *TestConfig) GracefulStopDuration(sc *ScenarioConfig) (time.Duration, error) {
	def := DefaultGracefulStop
	if c.Options != nil && c.Options.GracefulStop != "" {
		d, err := ParseDurationString(c.Options.GracefulStop)
		if err != nil {
			return 0, fmt.Errorf("invalid options.gracefulStop: %w", err)
		}
		def = d
	}
	return durationOr(sc.GracefulStop, def)
}

// ThresholdInterval returns how often thresholds are evaluated.
func (c *TestConfig) ThresholdInterval() (time.Duration, error) {
	if c.Options == nil {
		return DefaultThresholdInterval, nil
	}
	return durationOr(c.Options.ThresholdInterval, DefaultThresholdInterval)
}

// ThresholdMetrics returns the metric names with thresholds, sorted.
func (c *TestConfig) ThresholdMetrics() []string {
	names := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScenarioNames returns scenario names, sorted.
func (c *TestConfig) ScenarioNames() []string {
	names := make([]string, 0, len(c.Scenarios))
	for name := range c.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MergeVariables merges multiple variable maps in order.
// Later maps override earlier ones.
func MergeVariables(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// AllVariables returns the test variables plus baseUrl from settings.
func (c *TestConfig) AllVariables() map[string]string {
	vars := MergeVariables(c.Variables)
	if c.Settings.BaseURL != "" {
		if _, ok := vars["baseUrl"]; !ok {
			vars["baseUrl"] = c.Settings.BaseURL
		}
		if _, ok := vars["baseURL"]; !ok {
			vars["baseURL"] = c.Settings.BaseURL
		}
	}
	return vars
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(config *TestConfig) {
	config.Normalize()

	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(DefaultTimeout)
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = DefaultIdleConnsPerHost
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = DefaultUserAgent
	}
	if config.Name == "" {
		config.Name = "load test"
	}

	if config.Options == nil {
		config.Options = &ExecutionOptions{}
	}

	for _, sc := range config.Scenarios {
		applyScenarioDefaults(sc)
	}
}

func applyScenarioDefaults(sc *ScenarioConfig) {
	sc.Executor = executorType(sc)

	if sc.Executor == ExecutorConstantVUs && sc.VUs == 0 {
		sc.VUs = 1
	}

	for i := range sc.Requests {
		if sc.Requests[i].Method == "" {
			sc.Requests[i].Method = "GET"
		}
		sc.Requests[i].Method = strings.ToUpper(sc.Requests[i].Method)
		if sc.Requests[i].Name == "" {
			sc.Requests[i].Name = fmt.Sprintf("%s %s", sc.Requests[i].Method, sc.Requests[i].URL)
		}
	}
}
