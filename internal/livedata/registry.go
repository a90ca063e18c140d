package livedata

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// ProviderInfo describes a registered provider (for API responses and the
// LLM selector menu).
type ProviderInfo struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Registry manages capability providers.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
	logger    *log.Logger
}

// NewRegistry creates a provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make([]Provider, 0),
		byName:    make(map[string]Provider),
		logger:    log.New(log.Writer(), "[LIVEDATA] ", log.LstdFlags),
	}
}

// Register adds a provider to the registry
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}

	r.providers = append(r.providers, p)
	r.byName[p.Name()] = p

	sort.Slice(r.providers, func(i, j int) bool {
		return r.providers[i].Name() < r.providers[j].Name()
	})

	r.logger.Printf("🔌 Registered provider: %s (category=%s)", p.Name(), p.Category())
	return nil
}

// Get returns a specific provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// List returns info about all registered providers, in stable name order.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, ProviderInfo{
			Name:        p.Name(),
			Category:    p.Category(),
			Description: p.Description(),
			Keywords:    p.Keywords(),
		})
	}
	return infos
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Resolve maps a list of provider names (as returned by the LLM selector) to
// registered providers, dropping duplicates and unknown names.
func (r *Registry) Resolve(names []string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	selected := make([]Provider, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" || seen[name] {
			continue
		}
		if p, ok := r.byName[name]; ok {
			seen[name] = true
			selected = append(selected, p)
		}
	}
	return selected
}

// SelectByKeywords is the deterministic fallback selector: any provider with
// a keyword present in the normalized message is chosen, at most once.
func (r *Registry) SelectByKeywords(normalizedMessage string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var selected []Provider
	for _, p := range r.providers {
		for _, kw := range p.Keywords() {
			if strings.Contains(normalizedMessage, kw) {
				selected = append(selected, p)
				break
			}
		}
	}
	return selected
}
