package transfer

import (
	"sort"
	"strings"
	"sync"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/errors"
)

// Instances is the static registry of DHIS2 and ALMA connections, keyed by
// lowercased name. Replace swaps the whole registry when the config file changes.
type Instances struct {
	mu    sync.RWMutex
	dhis2 map[string]am.DHIS2Instance
	alma  map[string]am.AlmaInstance
}

// InstanceInfo is the public view of an instance. Credentials are never exposed.
type InstanceInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// InstanceSummary lists configured instances by system
type InstanceSummary struct {
	DHIS2 []InstanceInfo `json:"dhis2"`
	Alma  []InstanceInfo `json:"alma"`
}

// NewInstances builds a registry from config
func NewInstances(cfg am.InstancesConfig) *Instances {
	r := &Instances{}
	r.Replace(cfg)
	return r
}

// Replace atomically swaps in a new set of instances
func (r *Instances) Replace(cfg am.InstancesConfig) {
	dhis2 := make(map[string]am.DHIS2Instance, len(cfg.DHIS2))
	for name, inst := range cfg.DHIS2 {
		dhis2[strings.ToLower(name)] = inst
	}
	alma := make(map[string]am.AlmaInstance, len(cfg.Alma))
	for name, inst := range cfg.Alma {
		alma[strings.ToLower(name)] = inst
	}

	r.mu.Lock()
	r.dhis2 = dhis2
	r.alma = alma
	r.mu.Unlock()
}

// DHIS2 looks up a source instance
func (r *Instances) DHIS2(name string) (am.DHIS2Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.dhis2[strings.ToLower(name)]
	if !ok {
		return am.DHIS2Instance{}, errors.NewConfigurationError("dhis2 instance %q is not configured", name)
	}
	return inst, nil
}

// Alma looks up a target instance
func (r *Instances) Alma(name string) (am.AlmaInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.alma[strings.ToLower(name)]
	if !ok {
		return am.AlmaInstance{}, errors.NewConfigurationError("alma instance %q is not configured", name)
	}
	return inst, nil
}

// Summary lists instance names and URLs, sorted by name
func (r *Instances) Summary() InstanceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := InstanceSummary{
		DHIS2: make([]InstanceInfo, 0, len(r.dhis2)),
		Alma:  make([]InstanceInfo, 0, len(r.alma)),
	}
	for name, inst := range r.dhis2 {
		out.DHIS2 = append(out.DHIS2, InstanceInfo{Name: name, URL: inst.URL})
	}
	for name, inst := range r.alma {
		out.Alma = append(out.Alma, InstanceInfo{Name: name, URL: inst.URL})
	}
	sort.Slice(out.DHIS2, func(i, j int) bool { return out.DHIS2[i].Name < out.DHIS2[j].Name })
	sort.Slice(out.Alma, func(i, j int) bool { return out.Alma[i].Name < out.Alma[j].Name })
	return out
}
