// Package tools holds the tool registry and the execution runtime: semver
// version resolution, JSON Schema input validation, mode semantics, per-tool
// circuit breaking, and usage aggregation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/policy"
)

// Supports declares which execution modes a handler implements.
type Supports struct {
	Mock   bool `json:"mock"`
	DryRun bool `json:"dry_run"`
}

// Handler executes a tool call. It must honor the mode: mock returns
// deterministic placeholder output with no I/O, dry_run validates and
// previews without persisting.
type Handler func(ctx context.Context, input map[string]any, mode contracts.ExecutionMode, profile *policy.Profile) (map[string]any, error)

// CancelHook is invoked on abort to roll back an in-flight call.
type CancelHook func(ctx context.Context) error

// Definition is one registered tool version.
type Definition struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Supports    Supports       `json:"supports"`
	// RequiredScopes are checked by the permission engine before dispatch.
	RequiredScopes []string       `json:"required_scopes,omitempty"`
	MockResponse   map[string]any `json:"mock_response,omitempty"`

	Handler handlerBundle `json:"-"`
}

type handlerBundle struct {
	Handle Handler
	Cancel CancelHook
}

type entry struct {
	def      Definition
	version  *semver.Version
	compiled *jsonschema.Schema
}

// Registry maps tool names to their registered versions. Lookups resolve a
// semver constraint ("^1.0", ">=2.1.0") or an exact version; an empty
// version picks the highest registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]entry // name -> versions, ascending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]entry)}
}

// Register adds a tool version. The input schema, when present, must compile
// as JSON Schema; registration fails otherwise so bad schemas surface at
// startup rather than mid-plan.
func (r *Registry) Register(def Definition, handle Handler, cancel CancelHook) error {
	if def.Name == "" {
		return contracts.NewError(contracts.CodeInvalidInput, "tool name is required")
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	v, err := semver.NewVersion(def.Version)
	if err != nil {
		return contracts.NewError(contracts.CodeInvalidInput, "tool %s: bad version %q: %v", def.Name, def.Version, err)
	}

	var compiled *jsonschema.Schema
	if def.InputSchema != nil {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return contracts.NewError(contracts.CodeInvalidInput, "tool %s: schema marshal: %v", def.Name, err)
		}
		compiled, err = jsonschema.CompileString(def.Name+".schema.json", string(raw))
		if err != nil {
			return contracts.NewError(contracts.CodeInvalidInput, "tool %s: schema compile: %v", def.Name, err)
		}
	}

	def.Handler = handlerBundle{Handle: handle, Cancel: cancel}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[def.Name] {
		if e.version.Equal(v) {
			return contracts.NewError(contracts.CodeInvalidInput, "tool %s@%s already registered", def.Name, def.Version)
		}
	}
	r.entries[def.Name] = append(r.entries[def.Name], entry{def: def, version: v, compiled: compiled})
	sort.Slice(r.entries[def.Name], func(i, j int) bool {
		return r.entries[def.Name][i].version.LessThan(r.entries[def.Name][j].version)
	})
	return nil
}

// Resolve finds the definition for a tool reference. Version may be empty
// (highest wins), an exact version, or a semver constraint.
func (r *Registry) Resolve(ref contracts.ToolRef) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.entries[ref.Name]
	if len(versions) == 0 {
		return Definition{}, contracts.NewError(contracts.CodeToolNotFound, "tool %q not registered", ref.Name)
	}
	if ref.Version == "" {
		return versions[len(versions)-1].def, nil
	}

	constraint, err := semver.NewConstraint(ref.Version)
	if err != nil {
		return Definition{}, contracts.NewError(contracts.CodeInvalidInput, "tool %s: bad version constraint %q: %v", ref.Name, ref.Version, err)
	}
	// Highest satisfying version wins.
	for i := len(versions) - 1; i >= 0; i-- {
		if constraint.Check(versions[i].version) {
			return versions[i].def, nil
		}
	}
	return Definition{}, contracts.NewError(contracts.CodeToolNotFound, "tool %s has no version satisfying %q", ref.Name, ref.Version)
}

// Has reports whether any version of the tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[name]) > 0
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateInput checks input against the tool's compiled schema.
func (r *Registry) ValidateInput(ref contracts.ToolRef, input map[string]any) error {
	r.mu.RLock()
	versions := r.entries[ref.Name]
	r.mu.RUnlock()
	if len(versions) == 0 {
		return contracts.NewError(contracts.CodeToolNotFound, "tool %q not registered", ref.Name)
	}

	def, err := r.Resolve(ref)
	if err != nil {
		return err
	}
	var compiled *jsonschema.Schema
	r.mu.RLock()
	for _, e := range versions {
		if e.def.Version == def.Version {
			compiled = e.compiled
			break
		}
	}
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}

	// The validator wants plain JSON values; round-trip normalizes types
	// like int vs float64.
	raw, err := json.Marshal(input)
	if err != nil {
		return contracts.NewError(contracts.CodeInvalidInput, "tool %s: input marshal: %v", ref.Name, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return contracts.NewError(contracts.CodeInvalidInput, "tool %s: input unmarshal: %v", ref.Name, err)
	}
	if err := compiled.Validate(normalized); err != nil {
		return contracts.NewError(contracts.CodeInvalidInput, "tool %s: %v", ref.Name, err).
			WithData(map[string]any{"validation": fmt.Sprintf("%v", err)})
	}
	return nil
}
