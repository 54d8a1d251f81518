// Package registry manages the agent CLI providers the server can spawn.
package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

//go:embed providers.json
var providersFS embed.FS

// DefaultProviderID is used when a session does not name a provider.
const DefaultProviderID = "claude"

// providersConfig is the structure of the providers.json file.
type providersConfig struct {
	Version   string      `json:"version"`
	Providers []*Provider `json:"providers"`
}

// Capabilities describes what a provider's CLI supports.
type Capabilities struct {
	// SupportsDag means transcript entries carry parentUuid links and the
	// reader should order by the DAG instead of file order.
	SupportsDag bool `json:"supportsDag"`
	// SupportsInterrupt means the running turn can be cancelled via a
	// control request without killing the child.
	SupportsInterrupt bool `json:"supportsInterrupt"`
	// SupportsHold means queued messages may be held without the child
	// timing out its stdin.
	SupportsHold bool `json:"supportsHold"`
}

// Provider holds the launch configuration for one agent CLI.
//
// Args entries may contain the placeholders {sessionId}, {sessionDir},
// {workspace} and {model}, expanded by BuildCommand.
type Provider struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Binary      string   `json:"binary"`
	Args        []string `json:"args"`
	SessionFlag string   `json:"sessionFlag,omitempty"`
	ResumeFlag  string   `json:"resumeFlag,omitempty"`
	ModeFlag    string   `json:"modeFlag,omitempty"`
	ModelFlag   string   `json:"modelFlag,omitempty"`
	// ModeNames maps canonical permission modes onto the values this CLI
	// expects; unmapped modes pass through unchanged.
	ModeNames    map[string]string `json:"modeNames,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Enabled      bool              `json:"enabled"`
	DisplayOrder int               `json:"displayOrder"`
}

// ModeName translates a canonical permission mode into the provider's own
// vocabulary.
func (p *Provider) ModeName(mode string) string {
	if v, ok := p.ModeNames[mode]; ok {
		return v
	}
	return mode
}

// CommandOptions parameterize a single spawn.
type CommandOptions struct {
	SessionID      string
	SessionDir     string
	WorkingDir     string
	Resume         bool
	PermissionMode string
	Model          string
}

// Command is a fully resolved child invocation.
type Command struct {
	Binary string
	Args   []string
	Env    []string // KEY=VALUE pairs appended to the inherited environment
	Dir    string
}

// BuildCommand expands the provider's arg template for one session.
func (p *Provider) BuildCommand(opts CommandOptions) Command {
	replacer := strings.NewReplacer(
		"{sessionId}", opts.SessionID,
		"{sessionDir}", opts.SessionDir,
		"{workspace}", opts.WorkingDir,
		"{model}", opts.Model,
	)

	args := make([]string, 0, len(p.Args)+8)
	for _, a := range p.Args {
		args = append(args, replacer.Replace(a))
	}

	if opts.Resume && p.ResumeFlag != "" {
		args = append(args, p.ResumeFlag, opts.SessionID)
	} else if !opts.Resume && p.SessionFlag != "" {
		args = append(args, p.SessionFlag, opts.SessionID)
	}
	if opts.PermissionMode != "" && p.ModeFlag != "" {
		args = append(args, p.ModeFlag, p.ModeName(opts.PermissionMode))
	}
	if opts.Model != "" && p.ModelFlag != "" {
		args = append(args, p.ModelFlag, opts.Model)
	}

	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+replacer.Replace(v))
	}
	sort.Strings(env)

	return Command{Binary: p.Binary, Args: args, Env: env, Dir: opts.WorkingDir}
}

// Registry holds provider configurations.
type Registry struct {
	providers map[string]*Provider
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		logger:    log,
	}
}

// LoadDefaults loads the embedded provider definitions.
func (r *Registry) LoadDefaults() error {
	providers, err := loadProvidersJSON()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range providers {
		r.providers[p.ID] = p
		r.logger.Info("loaded provider", zap.String("id", p.ID))
	}
	return nil
}

// LoadFromFile merges provider definitions from a JSON override file.
// Entries with a known id replace the embedded defaults.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read provider overrides: %w", err)
	}

	var cfg providersConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse provider overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range cfg.Providers {
		if err := ValidateProvider(p); err != nil {
			r.logger.Warn("skipping invalid provider override",
				zap.String("id", p.ID),
				zap.Error(err))
			continue
		}
		r.providers[p.ID] = p
		r.logger.Info("loaded provider override", zap.String("id", p.ID))
	}
	return nil
}

// Register adds a provider. Fails on duplicate ids.
func (r *Registry) Register(p *Provider) error {
	if err := ValidateProvider(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID]; exists {
		return fmt.Errorf("provider %q already registered", p.ID)
	}
	r.providers[p.ID] = p
	return nil
}

// Get resolves a provider id. An empty id resolves to the default provider.
func (r *Registry) Get(id string) (*Provider, error) {
	if id == "" {
		return r.GetDefault()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[id]
	if !exists {
		return nil, wire.Errf(wire.CodeBadRequest, "unknown provider %q", id)
	}
	return p, nil
}

// GetDefault returns the claude provider, or the first enabled provider in
// display order when claude is not registered.
func (r *Registry) GetDefault() (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, exists := r.providers[DefaultProviderID]; exists && p.Enabled {
		return p, nil
	}
	for _, p := range r.sortedLocked() {
		if p.Enabled {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no enabled provider available")
}

// List returns all providers in display order.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// ListEnabled returns enabled providers in display order.
func (r *Registry) ListEnabled() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Provider, 0, len(r.providers))
	for _, p := range r.sortedLocked() {
		if p.Enabled {
			result = append(result, p)
		}
	}
	return result
}

// Exists checks whether a provider id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.providers[id]
	return exists
}

func (r *Registry) sortedLocked() []*Provider {
	result := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DisplayOrder != result[j].DisplayOrder {
			return result[i].DisplayOrder < result[j].DisplayOrder
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ValidateProvider checks the fields a spawn cannot work without.
func ValidateProvider(p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.Binary == "" {
		return fmt.Errorf("provider binary is required")
	}
	return nil
}

func loadProvidersJSON() ([]*Provider, error) {
	data, err := providersFS.ReadFile("providers.json")
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}

	var cfg providersConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}
	return cfg.Providers, nil
}
