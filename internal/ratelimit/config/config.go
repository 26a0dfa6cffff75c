// Package config holds the route-class quotas for the request gate and
// loads them from YAML with hot reload.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vitalis/internal/ratelimit/models"
	"vitalis/pkg/platform/sentinel"
)

// Duration is a time.Duration written as "15m" or "1h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Limit is a quota within one fixed window.
type Limit struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Class binds route prefixes to a limit.
type Class struct {
	Name     string   `yaml:"name"`
	Prefixes []string `yaml:"prefixes"`
	Limit    `yaml:",inline"`
}

// Config is the full gate rate limit configuration.
type Config struct {
	Default      Limit    `yaml:"default"`
	Classes      []Class  `yaml:"classes"`
	ViolationTTL Duration `yaml:"violation_ttl"`
}

// DefaultConfig returns the built-in classes: uploads 10 per hour, hot
// health reads 60 per 15 minutes, everything else 100 per 15 minutes.
func DefaultConfig() *Config {
	return &Config{
		Default: Limit{Requests: 100, Window: Duration(15 * time.Minute)},
		Classes: []Class{
			{
				Name:     models.ClassUpload,
				Prefixes: []string{"/api/uploads", "/api/lab-reports/upload"},
				Limit:    Limit{Requests: 10, Window: Duration(time.Hour)},
			},
			{
				Name:     models.ClassHotRead,
				Prefixes: []string{"/api/sleep-data", "/api/biomarkers"},
				Limit:    Limit{Requests: 60, Window: Duration(15 * time.Minute)},
			},
		},
		ViolationTTL: Duration(time.Hour),
	}
}

// Parse decodes YAML over the defaults and validates the result. A classes
// list in the file replaces the built-in classes entirely.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse rate limit config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive quotas, unnamed classes and prefixes that
// do not start with '/'.
func (c *Config) Validate() error {
	if err := validateLimit(models.ClassDefault, c.Default); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, class := range c.Classes {
		if class.Name == "" {
			return fmt.Errorf("%w: rate limit class without a name", sentinel.ErrInvalidConfig)
		}
		if seen[class.Name] {
			return fmt.Errorf("%w: duplicate rate limit class %q", sentinel.ErrInvalidConfig, class.Name)
		}
		seen[class.Name] = true
		if len(class.Prefixes) == 0 {
			return fmt.Errorf("%w: class %q has no prefixes", sentinel.ErrInvalidConfig, class.Name)
		}
		for _, p := range class.Prefixes {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%w: class %q prefix %q must start with /", sentinel.ErrInvalidConfig, class.Name, p)
			}
		}
		if err := validateLimit(class.Name, class.Limit); err != nil {
			return err
		}
	}
	if c.ViolationTTL < 0 {
		return fmt.Errorf("%w: violation_ttl must not be negative", sentinel.ErrInvalidConfig)
	}
	return nil
}

func validateLimit(name string, l Limit) error {
	if l.Requests <= 0 {
		return fmt.Errorf("%w: class %q requests must be positive", sentinel.ErrInvalidConfig, name)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%w: class %q window must be positive", sentinel.ErrInvalidConfig, name)
	}
	return nil
}

// RouteClasses flattens the config into models, most specific prefix first.
func (c *Config) RouteClasses() []models.RouteClass {
	out := make([]models.RouteClass, 0, len(c.Classes))
	for _, class := range c.Classes {
		out = append(out, models.RouteClass{
			Name:     class.Name,
			Prefixes: append([]string(nil), class.Prefixes...),
			Requests: class.Requests,
			Window:   time.Duration(class.Window),
		})
	}
	return out
}

// Resolve picks the class whose prefix is the longest match for path.
// A prefix matches at a segment boundary only, so /api/uploads does not
// cover /api/uploads-archive. Unmatched paths get the default class.
func (c *Config) Resolve(path string) models.RouteClass {
	type candidate struct {
		prefix string
		class  Class
	}
	var matches []candidate
	for _, class := range c.Classes {
		for _, p := range class.Prefixes {
			if matchPrefix(path, p) {
				matches = append(matches, candidate{prefix: p, class: class})
			}
		}
	}
	if len(matches) == 0 {
		return models.RouteClass{
			Name:     models.ClassDefault,
			Requests: c.Default.Requests,
			Window:   time.Duration(c.Default.Window),
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].prefix) > len(matches[j].prefix)
	})
	best := matches[0]
	return models.RouteClass{
		Name:     best.class.Name,
		Prefixes: []string{best.prefix},
		Requests: best.class.Requests,
		Window:   time.Duration(best.class.Window),
	}
}

func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
