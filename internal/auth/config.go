package auth

import (
	"fmt"
	"os"
	"strings"
)

// Config holds bearer token validation settings.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

// NewConfigFromEnv reads AUTH_JWKS_URL, AUTH_ISSUER and AUTH_AUDIENCE. It
// returns nil when AUTH_JWKS_URL is unset, meaning auth is disabled.
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		JWKSURL:  strings.TrimSpace(os.Getenv("AUTH_JWKS_URL")),
		Issuer:   strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		Audience: strings.TrimSpace(os.Getenv("AUTH_AUDIENCE")),
	}
	if config.JWKSURL == "" {
		return nil, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate ensures all required configuration is present.
func (c *Config) Validate() error {
	if c.JWKSURL == "" {
		return fmt.Errorf("JWKSURL is required")
	}
	if !strings.HasPrefix(c.JWKSURL, "https://") && !strings.HasPrefix(c.JWKSURL, "http://") {
		return fmt.Errorf("JWKSURL must be an http(s) URL")
	}
	if c.Issuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required when AUTH_JWKS_URL is set")
	}
	return nil
}
