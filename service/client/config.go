package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itiky/resource-sync/model"
)

// Config configures an Engine.
type Config struct {
	// Service base url ("http://localhost:2412/fhir")
	BaseURL string
	// Per scope submission settings
	Scopes map[string]model.ScopeConfig
	// Settings of scopes not listed in Scopes
	Default model.ScopeConfig
	// Local id generator for created resources (uuid.NewString if nil)
	NewID func() string
	// Query-result cache entry lifetime (storage.DefaultExpansionTTL if 0)
	ExpansionTTL time.Duration
	// HTTP exchange (NewHTTPTransport(BaseURL, nil) if nil)
	Transport Transport
	// Monitor report period (no periodic report if 0)
	ReportPeriod time.Duration
}

// Validate checks the config and fills the defaults.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.BaseURL == "" {
		return fmt.Errorf("%s: empty", "BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%s: %w", "BaseURL", err)
	}
	if c.ExpansionTTL < 0 {
		return fmt.Errorf("%s: must be GTE 0", "ExpansionTTL")
	}
	if c.ReportPeriod < 0 {
		return fmt.Errorf("%s: must be GTE 0", "ReportPeriod")
	}

	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("%s: %w", "Default", err)
	}
	for name, scope := range c.Scopes {
		if err := scope.Validate(); err != nil {
			return fmt.Errorf("%s (%s): %w", "Scopes", name, err)
		}
		c.Scopes[name] = scope
	}

	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Transport == nil {
		c.Transport = NewHTTPTransport(c.BaseURL, nil)
	}

	return nil
}

// Scope returns submission settings of a scope.
func (c *Config) Scope(name string) model.ScopeConfig {
	if scope, found := c.Scopes[name]; found {
		return scope
	}

	return c.Default
}
