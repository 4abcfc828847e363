// Package tenant holds the per-tenant proxy configuration model, the
// registry that serves immutable configuration snapshots, and per-tenant
// rate limiting. Configuration is loaded from a Source (YAML file or Redis)
// and replaced wholesale on reload; a snapshot is never mutated while
// requests are in flight.
package tenant

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Duration wraps time.Duration to support human-readable strings ("30s",
// "5m") in YAML configuration. An empty string unmarshals to zero.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Enhancement configures the optional personalization step for an endpoint.
type Enhancement struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"`
}

// Endpoint is a path-pattern-scoped policy within a tenant. Patterns are
// compiled exactly once, at reload time.
type Endpoint struct {
	Name        string       `yaml:"name"`
	Pattern     string       `yaml:"pattern"`
	Cacheable   *bool        `yaml:"cacheable"`
	CacheTTL    Duration     `yaml:"cache_ttl"`
	Enhancement *Enhancement `yaml:"enhancement"`

	re *regexp.Regexp
}

// IsCacheable reports whether responses for this endpoint may be cached.
// Defaults to true when unset.
func (e *Endpoint) IsCacheable() bool {
	return e.Cacheable == nil || *e.Cacheable
}

// EnhancementEnabled reports whether the personalization step applies.
func (e *Endpoint) EnhancementEnabled() bool {
	return e.Enhancement != nil && e.Enhancement.Enabled
}

// Matches reports whether the endpoint's compiled pattern matches the path.
func (e *Endpoint) Matches(path string) bool {
	return e.re != nil && e.re.MatchString(path)
}

// RateLimits holds the per-window request ceilings for a tenant. A zero
// value disables the corresponding window.
type RateLimits struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// Tenant is one upstream API configuration. A Tenant held by the registry
// is an immutable snapshot; reloads build fresh values.
type Tenant struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	APIKeyHeader   string            `yaml:"api_key_header"`
	ResponseFormat string            `yaml:"response_format"`
	Headers        map[string]string `yaml:"headers"`
	Endpoints      []Endpoint        `yaml:"endpoints"`
	RateLimits     RateLimits        `yaml:"rate_limits"`
}

// MatchEndpoint returns the first endpoint whose pattern matches the path,
// or nil when no endpoint policy applies.
func (t *Tenant) MatchEndpoint(path string) *Endpoint {
	for i := range t.Endpoints {
		if t.Endpoints[i].Matches(path) {
			return &t.Endpoints[i]
		}
	}
	return nil
}

// compile validates the tenant and compiles its endpoint patterns. Any
// error rejects the tenant (and with it, the whole reload).
func (t *Tenant) compile() error {
	if t.ID == "" {
		return fmt.Errorf("tenant missing id")
	}
	if t.Name == "" {
		return fmt.Errorf("tenant %q missing name", t.ID)
	}
	if t.BaseURL == "" {
		return fmt.Errorf("tenant %q missing base_url", t.ID)
	}
	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return fmt.Errorf("tenant %q base_url: %w", t.ID, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("tenant %q base_url %q is not an absolute URL", t.ID, t.BaseURL)
	}

	for i := range t.Endpoints {
		ep := &t.Endpoints[i]
		if ep.Pattern == "" {
			return fmt.Errorf("tenant %q endpoint %q missing pattern", t.ID, ep.Name)
		}
		re, err := regexp.Compile(ep.Pattern)
		if err != nil {
			return fmt.Errorf("tenant %q endpoint %q pattern: %w", t.ID, ep.Name, err)
		}
		ep.re = re
	}
	return nil
}
