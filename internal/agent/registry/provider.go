package registry

import (
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Provide creates and loads the provider registry. The embedded defaults
// load first, then the optional override file, then the config-level binary
// override for the configured provider.
func Provide(cfg *config.Config, log *logger.Logger) (*Registry, error) {
	reg := NewRegistry(log)
	if err := reg.LoadDefaults(); err != nil {
		return nil, err
	}
	if cfg.Agent.ProvidersFile != "" {
		if err := reg.LoadFromFile(cfg.Agent.ProvidersFile); err != nil {
			return nil, err
		}
	}
	if cfg.Agent.Binary != "" {
		if p, err := reg.Get(cfg.Agent.Provider); err == nil {
			p.Binary = cfg.Agent.Binary
		}
	}
	return reg, nil
}
