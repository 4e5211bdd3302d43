// Package capability holds the static configuration of auxiliary tool
// servers and the permission levels they grant per tool.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Level is an ordered tool permission level.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelExecute
	LevelAll
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelRead:    "read",
	LevelWrite:   "write",
	LevelExecute: "execute",
	LevelAll:     "all",
}

var levelValues = map[string]Level{
	"none":    LevelNone,
	"read":    LevelRead,
	"write":   LevelWrite,
	"execute": LevelExecute,
	"all":     LevelAll,
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts a level name to its ordered value.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelValues[s]; ok {
		return l, nil
	}
	return LevelNone, fmt.Errorf("unknown permission level: %q", s)
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ServerConfig describes one capability server.
type ServerConfig struct {
	Name    string           `json:"name"`
	URL     string           `json:"url"`
	APIKey  string           `json:"api_key,omitempty"`
	Enabled bool             `json:"enabled"`
	Tools   map[string]Level `json:"tools"`
}

// Registry is a lookup table of capability servers. It is populated once at
// startup from configuration; the coordinator only ever asks Grants.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewRegistry builds a registry from server configs keyed by name.
func NewRegistry(servers map[string]ServerConfig) *Registry {
	r := &Registry{servers: make(map[string]ServerConfig, len(servers))}
	for name, cfg := range servers {
		if cfg.Name == "" {
			cfg.Name = name
		}
		r.servers[name] = cfg
	}
	return r
}

// ParseRegistry builds a registry from a JSON map of server configs, the
// shape carried by the CAPABILITY_SERVERS environment variable.
func ParseRegistry(data string) (*Registry, error) {
	if data == "" {
		return NewRegistry(nil), nil
	}
	var servers map[string]ServerConfig
	if err := json.Unmarshal([]byte(data), &servers); err != nil {
		return nil, fmt.Errorf("parse capability servers: %w", err)
	}
	return NewRegistry(servers), nil
}

// Grants reports whether any enabled server grants at least min for tool.
func (r *Registry) Grants(tool string, min Level) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, server := range r.servers {
		if !server.Enabled {
			continue
		}
		if level, ok := server.Tools[tool]; ok && level >= min {
			return true
		}
	}
	return false
}

// Get returns the config for a named server.
func (r *Registry) Get(name string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[name]
	return cfg, ok
}

// Add registers a server. Re-adding an existing name is an error.
func (r *Registry) Add(cfg ServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[cfg.Name]; ok {
		return fmt.Errorf("capability server already exists: %s", cfg.Name)
	}
	r.servers[cfg.Name] = cfg
	return nil
}

// Remove deletes a server by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("capability server not found: %s", name)
	}
	delete(r.servers, name)
	return nil
}

// List returns server configs sorted by name.
func (r *Registry) List() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerConfig, 0, len(r.servers))
	for _, cfg := range r.servers {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
