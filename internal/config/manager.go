package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/metering/internal/ratelimit"
)

// TenantOverrides are the per-tenant knobs an operator may overlay on
// the global config: a spend ceiling and tighter admission limits.
type TenantOverrides struct {
	BudgetCapMicro string                      `yaml:"budget_cap_micro"`
	RateLimits     map[string]ratelimit.Limits `yaml:"rate_limits"` // keyed "provider/model"
}

// TenantsConfig holds the map of tenant overrides.
type TenantsConfig struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager resolves the effective configuration for a tenant.
type Manager struct {
	global  *Config
	tenants map[string]TenantOverrides
	mu      sync.RWMutex
}

// NewManager loads the master config plus the optional tenants file. A
// missing tenants file just means no overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, tenants: make(map[string]TenantOverrides)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants == nil {
		tc.Tenants = make(map[string]TenantOverrides)
	}
	return &Manager{global: master, tenants: tc.Tenants}, nil
}

// Global returns the master config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// LimitsFor resolves admission limits: tenant overlay first, then the
// global per-model table, then the global default.
func (m *Manager) LimitsFor(tenant, provider, model string) ratelimit.Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := provider + "/" + model
	if t, ok := m.tenants[tenant]; ok {
		if l, ok := t.RateLimits[key]; ok {
			return l
		}
	}
	if l, ok := m.global.RateLimits.PerModel[key]; ok {
		return l
	}
	return m.global.RateLimits.Default
}

// BudgetCapMicro returns the tenant's spend ceiling, or "" when the
// tenant has no cap configured.
func (m *Manager) BudgetCapMicro(tenant string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[tenant]; ok {
		return t.BudgetCapMicro
	}
	return ""
}
