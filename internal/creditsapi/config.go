package creditsapi

import (
	"strings"
)

const (
	defaultListenAddr           = ":8080"
	defaultAllowedOrigin        = "http://localhost:8000"
	defaultTransactionListLimit = 50
	maxTransactionListLimit     = 200
)

// Config aggregates runtime settings for the credits API.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Validate fills defaults for unset fields.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	return nil
}
