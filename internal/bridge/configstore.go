package bridge

import "sync"

// ConfigStore holds the current per-channel configuration snapshots. The
// external configuration store feeds it at startup and on configuration
// updates; the orchestrator and router read it on every start and message.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[ChannelType]ChannelConfig
}

// NewConfigStore creates a ConfigStore seeded with the given configs.
func NewConfigStore(configs []ChannelConfig) *ConfigStore {
	s := &ConfigStore{configs: map[ChannelType]ChannelConfig{}}
	s.Apply(configs)
	return s
}

// Apply replaces the stored snapshot for each provided channel. Channels not
// mentioned keep their previous config.
func (s *ConfigStore) Apply(configs []ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range configs {
		if !cfg.Type.Valid() {
			continue
		}
		s.configs[cfg.Type] = cfg
	}
}

// Get returns the config for one channel type.
func (s *ConfigStore) Get(channelType ChannelType) (ChannelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[channelType]
	return cfg, ok
}

// All returns the stored configs in the closed enum order.
func (s *ConfigStore) All() []ChannelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ChannelConfig, 0, len(s.configs))
	for _, ct := range AllChannelTypes() {
		if cfg, ok := s.configs[ct]; ok {
			items = append(items, cfg)
		}
	}
	return items
}

// AnyEnabled reports whether at least one channel is enabled.
func (s *ConfigStore) AnyEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.configs {
		if cfg.Enabled {
			return true
		}
	}
	return false
}
