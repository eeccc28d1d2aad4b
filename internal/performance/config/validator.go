package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/wesleyorama2/volley/internal/performance/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

var (
	validMethods = map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}

	validCheckTypes = map[string]bool{
		"status": true, "duration": true, "header": true,
		"body": true, "json": true, "schema": true,
	}

	validConditions = map[string]bool{
		"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
		"contains": true, "matches": true, "exists": true,
	}

	placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)
)

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all problems.
func (c *TestConfig) Validate() error {
	c.Normalize()

	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario (or top-level stages and requests) is required")
	}

	for _, name := range c.ScenarioNames() {
		validateScenario(name, c.Scenarios[name], errs)
	}

	for _, metric := range c.ThresholdMetrics() {
		for i, t := range c.Thresholds[metric] {
			validateThreshold(fmt.Sprintf("thresholds.%s[%d]", metric, i), t, errs)
		}
	}

	validateSettings(&c.Settings, errs)

	if c.Options != nil {
		validateDuration("options.thresholdInterval", c.Options.ThresholdInterval, errs)
		validateDuration("options.gracefulStop", c.Options.GracefulStop, errs)
		if c.Options.ThresholdInterval != "" {
			if d, err := ParseDurationString(c.Options.ThresholdInterval); err == nil && d <= 0 {
				errs.Add("options.thresholdInterval", "must be greater than 0")
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	if sc == nil {
		errs.Add(prefix, "scenario cannot be empty")
		return
	}

	switch executorType(sc) {
	case ExecutorConstantVUs:
		if sc.VUs < 0 {
			errs.Add(prefix+".vus", "vus cannot be negative")
		}
		if sc.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant-vus executor")
		} else if d, err := ParseDurationString(sc.Duration); err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		} else if d <= 0 {
			errs.Add(prefix+".duration", "duration must be greater than 0")
		}

	case ExecutorRampingVUs:
		if len(sc.Stages) == 0 {
			errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
		}

	default:
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	for i, stage := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), stage, errs)
	}

	if len(sc.Requests) == 0 && !sc.Scripted {
		errs.Add(prefix+".requests", "at least one request is required")
	}
	for i, req := range sc.Requests {
		validateRequest(fmt.Sprintf("%s.requests[%d]", prefix, i), req, errs)
	}

	validateDuration(prefix+".thinkTime", sc.ThinkTime, errs)
	validateDuration(prefix+".thinkTimeJitter", sc.ThinkTimeJitter, errs)
	validateDuration(prefix+".gracefulStop", sc.GracefulStop, errs)
}

// executorType mirrors the executor inference of ApplyDefaults.
func executorType(sc *ScenarioConfig) string {
	if sc.Executor != "" {
		return sc.Executor
	}
	if len(sc.Stages) > 0 {
		return ExecutorRampingVUs
	}
	return ExecutorConstantVUs
}

func validateStage(prefix string, stage StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateRequest(prefix string, req RequestConfig, errs *ValidationErrors) {
	method := strings.ToUpper(req.Method)
	if method != "" && !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else {
		urlToCheck := placeholderRe.ReplaceAllString(req.URL, "placeholder")
		if _, err := url.Parse(urlToCheck); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	validateDuration(prefix+".timeout", req.Timeout, errs)

	for i, check := range req.Checks {
		validateCheck(fmt.Sprintf("%s.checks[%d]", prefix, i), check, errs)
	}
}

func validateCheck(prefix string, check CheckConfig, errs *ValidationErrors) {
	if check.Type == "" {
		errs.Add(prefix+".type", "type is required")
		return
	}
	if !validCheckTypes[check.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid check type: %s", check.Type))
		return
	}

	if check.Type == "schema" {
		if check.Value == "" {
			errs.Add(prefix+".value", "schema checks need a JSON schema document as value")
		}
		return
	}

	if check.Condition == "" {
		errs.Add(prefix+".condition", "condition is required")
	} else if !validConditions[check.Condition] {
		errs.Add(prefix+".condition", fmt.Sprintf("invalid condition: %s", check.Condition))
	}

	if (check.Type == "header" || check.Type == "json") && check.Path == "" {
		errs.Add(prefix+".path", fmt.Sprintf("path is required for %s checks", check.Type))
	}

	switch check.Type {
	case "status":
		if check.Condition != "exists" && check.Condition != "matches" && check.Condition != "contains" {
			if _, err := strconv.Atoi(check.Value); err != nil {
				errs.Add(prefix+".value", fmt.Sprintf("status value must be an integer, got %q", check.Value))
			}
		}
	case "duration":
		if _, err := ParseDurationString(check.Value); err != nil {
			errs.Add(prefix+".value", fmt.Sprintf("invalid duration: %v", err))
		}
	}

	if check.Condition == "matches" {
		if _, err := regexp.Compile(check.Value); err != nil {
			errs.Add(prefix+".value", fmt.Sprintf("invalid regular expression: %v", err))
		}
	}
}

func validateThreshold(prefix string, t ThresholdConfig, errs *ValidationErrors) {
	if strings.TrimSpace(t.Threshold) == "" {
		errs.Add(prefix, "threshold expression cannot be empty")
		return
	}
	if _, err := threshold.Parse(t.Threshold); err != nil {
		errs.Add(prefix, err.Error())
	}
	validateDuration(prefix+".delayAbortEval", t.DelayAbortEval, errs)
}

func validateDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
	if s.MaxVUs < 0 {
		errs.Add("settings.maxVUs", "cannot be negative")
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.RPS < 0 {
		errs.Add("settings.rps", "cannot be negative")
	}
}
