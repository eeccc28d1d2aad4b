// Package config provides configuration parsing and validation for load tests.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor type names.
const (
	ExecutorRampingVUs  = "ramping-vus"
	ExecutorConstantVUs = "constant-vus"
)

// DefaultScenarioName is the scenario built from top-level stages and requests.
const DefaultScenarioName = "default"

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "Chatbot Load Test"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	stages:
//	  - duration: 30s
//	    target: 50
//	  - duration: 1m
//	    target: 100
//	    hold: true
//	  - duration: 30s
//	    target: 0
//	thinkTime: 1s
//	requests:
//	  - name: chat
//	    method: POST
//	    url: "{{baseUrl}}/chat/"
//	    body: '{"user_input": "Hello"}'
//	    checks:
//	      - name: status is 200
//	        type: status
//	        condition: eq
//	        value: "200"
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
//	  http_req_failed: ["rate<0.01"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are global variables available to all requests
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Stages, ThinkTime and Requests at the top level describe the default
	// ramping-vus scenario.
	Stages          []StageConfig   `json:"stages,omitempty" yaml:"stages,omitempty"`
	ThinkTime       string          `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`
	ThinkTimeJitter string          `json:"thinkTimeJitter,omitempty" yaml:"thinkTimeJitter,omitempty"`
	Requests        []RequestConfig `json:"requests,omitempty" yaml:"requests,omitempty"`

	// Scenarios defines named load profiles that run concurrently
	Scenarios map[string]*ScenarioConfig `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	// Thresholds maps metric names to pass/fail criteria
	Thresholds ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP and execution settings.
type GlobalSettings struct {
	// BaseURL is available to requests as {{baseUrl}}
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// MaxVUs caps the number of concurrent VUs per scenario. Stage targets
	// above it are clamped with a warning. 0 means unlimited.
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// RPS caps requests per second across all scenarios. 0 means unlimited.
	RPS float64 `json:"rps,omitempty" yaml:"rps,omitempty"`
}

// ScenarioConfig defines a single load profile.
type ScenarioConfig struct {
	// Executor is "ramping-vus" (default) or "constant-vus"
	Executor string `json:"executor" yaml:"executor"`

	// VUs and Duration configure constant-vus
	VUs      int    `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Stages configure ramping-vus
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Requests are executed in order on every iteration
	Requests []RequestConfig `json:"requests" yaml:"requests"`

	// ThinkTime is the pause at the end of each iteration (default 1s)
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// ThinkTimeJitter adds a uniformly random extra pause in [0, jitter)
	ThinkTimeJitter string `json:"thinkTimeJitter,omitempty" yaml:"thinkTimeJitter,omitempty"`

	// GracefulStop is how long in-flight iterations may run after the
	// scenario ends
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Scripted marks a scenario whose iterations are supplied in code, so it
	// needs no requests.
	Scripted bool `json:"-" yaml:"-"`
}

// StageConfig defines a single stage of a ramping-vus scenario.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count
	Target int `json:"target" yaml:"target"`

	// Hold keeps the VU count flat at Target instead of ramping to it
	Hold bool `json:"hold,omitempty" yaml:"hold,omitempty"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in logs)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method" yaml:"method"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Checks validate the response
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// CheckConfig defines a named response validation.
type CheckConfig struct {
	// Name is reported in the summary (defaults to a generated description)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is one of: "status", "duration", "header", "body", "json", "schema"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "gte", "lt", "lte",
	// "contains", "matches", "exists". Schema checks take no condition.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value (a JSON schema document for schema checks)
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Path is the header name for header checks or the gjson path for json checks
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ThresholdsConfig maps metric names to threshold definitions.
type ThresholdsConfig map[string][]ThresholdConfig

// ThresholdConfig is a single threshold. In YAML and JSON it is either a bare
// expression string or an object:
//
//	http_req_failed:
//	  - "rate<0.05"
//	  - threshold: "rate<0.01"
//	    abortOnFail: true
//	    delayAbortEval: 10s
type ThresholdConfig struct {
	Threshold      string `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval string `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type thresholdObject ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = ThresholdConfig{Threshold: value.Value}
		return nil
	case yaml.MappingNode:
		var obj thresholdObject
		if err := value.Decode(&obj); err != nil {
			return err
		}
		*t = ThresholdConfig(obj)
		return nil
	default:
		return fmt.Errorf("line %d: threshold must be a string or an object", value.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ThresholdConfig{Threshold: s}
		return nil
	}

	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("threshold must be a string or an object: %w", err)
	}
	*t = ThresholdConfig(obj)
	return nil
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// ThresholdInterval is how often thresholds are evaluated during the run
	ThresholdInterval string `json:"thresholdInterval,omitempty" yaml:"thresholdInterval,omitempty"`

	// GracefulStop is the default graceful stop for scenarios
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := ParseDurationString(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
