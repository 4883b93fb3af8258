package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// Registry holds validated graph definitions keyed by version.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. Re-registering a version is an
// error: a version identifies one immutable topology.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("validate graph %q: %w", def.Version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Version]; exists {
		return fmt.Errorf("graph version %q already registered", def.Version)
	}
	r.defs[def.Version] = def
	return nil
}

// Get returns the definition for a version.
func (r *Registry) Get(version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[version]
	if !ok {
		return nil, fmt.Errorf("unknown graph version %q", version)
	}
	return def, nil
}

// Versions returns the registered versions, sorted.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.defs))
	for v := range r.defs {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Parse decodes a YAML graph definition and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses a single YAML graph definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph definition %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDir loads every *.yaml/*.yml file in a directory into the registry.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read graph directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// DefaultTravelVersion is the version of the built-in travel itinerary graph.
const DefaultTravelVersion = "travel-v1"

// DefaultTravelDefinition returns the built-in itinerary graph: location fans
// out to weather, accommodation, activity and transport; budget merges the
// branches. Weather is optional (volatile provider), transport is skipped for
// self-guided trips, and the budget merge explicitly tolerates both.
func DefaultTravelDefinition() *Definition {
	def := &Definition{
		Version: DefaultTravelVersion,
		Nodes: []*Node{
			{
				ID:       "location",
				Agent:    models.AgentLocation,
				Required: true,
			},
			{
				ID:        "weather",
				Agent:     models.AgentWeather,
				DependsOn: []string{"location"},
				Required:  false,
			},
			{
				ID:        "accommodation",
				Agent:     models.AgentAccommodation,
				DependsOn: []string{"location"},
				Required:  true,
			},
			{
				ID:           "activity",
				Agent:        models.AgentActivity,
				DependsOn:    []string{"location", "weather"},
				AllowSkipped: []string{"weather"},
				Required:     true,
			},
			{
				ID:        "transport",
				Agent:     models.AgentTransport,
				DependsOn: []string{"location"},
				Required:  false,
				Condition: &Condition{Path: "input.travel_mode", NotEquals: "self_guided"},
			},
			{
				ID:           "budget",
				Agent:        models.AgentBudget,
				DependsOn:    []string{"accommodation", "activity", "transport", "weather"},
				AllowSkipped: []string{"transport", "weather"},
				Required:     true,
			},
		},
	}
	if err := def.Validate(); err != nil {
		// The built-in graph is fixed at compile time; failing validation is a bug.
		panic(fmt.Sprintf("default travel graph invalid: %v", err))
	}
	return def
}
