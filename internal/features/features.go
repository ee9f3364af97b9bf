package features

import (
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.set(name, true)
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.set(name, false)
}

func (m *Manager) set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = enabled
	}
}

// List returns a copy of every flag, sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Predefined feature flag names
const (
	// FeatureCampaignCache serves active campaigns from the cache layer
	FeatureCampaignCache = "campaign_cache"
	// FeatureDecisionEvents publishes decision events to subscribers
	FeatureDecisionEvents = "decision_events"
	// FeatureSimulatorAPI exposes the /simulate endpoints
	FeatureSimulatorAPI = "simulator_api"
)

// NewDefaultManager registers the predefined flags with the given states.
func NewDefaultManager(campaignCache, decisionEvents, simulatorAPI bool) *Manager {
	m := NewManager()
	m.Register(FeatureCampaignCache, campaignCache, "Cache the active campaign per program")
	m.Register(FeatureDecisionEvents, decisionEvents, "Publish decision events after each decision")
	m.Register(FeatureSimulatorAPI, simulatorAPI, "Expose the simulator endpoints")
	return m
}
