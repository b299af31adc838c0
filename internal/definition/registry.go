package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/sagaflow/model"
)

// snapshot is an immutable collection of workflow definitions indexed by type.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	sources   map[string]string
	checksum  string
}

// Registry is a read-optimized, thread-safe catalog of workflow definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files. Later files
// override earlier ones when they define the same workflow type.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definition files.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition),
		sources:   make(map[string]string),
	}

	var checksumParts []string

	for _, f := range files {
		if f.Checksum != "" {
			checksumParts = append(checksumParts, f.Checksum)
		}
		for _, w := range f.Workflows {
			s.workflows[w.Type] = cloneDefinition(w)
			s.sources[w.Type] = f.SourceFile
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition for a workflow type.
func (r *Registry) Get(workflowType string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowType]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	return cloneDefinition(w), true
}

// Steps returns the ordered steps for a workflow type. An unknown type has no
// steps; that is not an error.
func (r *Registry) Steps(workflowType string) []model.Step {
	w, ok := r.Get(workflowType)
	if !ok {
		return nil
	}
	return w.Steps
}

// Source returns the file a workflow type was loaded from.
func (r *Registry) Source(workflowType string) string {
	return r.current().sources[workflowType]
}

// Types returns every registered workflow type, sorted.
func (r *Registry) Types() []string {
	s := r.current()
	types := make([]string, 0, len(s.workflows))
	for t := range s.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// All returns every registered definition sorted by type.
func (r *Registry) All() []model.WorkflowDefinition {
	types := r.Types()
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(types))
	for _, t := range types {
		if w, ok := s.workflows[t]; ok {
			defs = append(defs, cloneDefinition(w))
		}
	}
	return defs
}

// Checksum returns the combined checksum of all loaded definition files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func cloneDefinition(w model.WorkflowDefinition) model.WorkflowDefinition {
	out := w
	out.Steps = make([]model.Step, len(w.Steps))
	for i, st := range w.Steps {
		out.Steps[i] = st
		if st.Config != nil {
			cfg := make(map[string]any, len(st.Config))
			for k, v := range st.Config {
				cfg[k] = v
			}
			out.Steps[i].Config = cfg
		}
	}
	return out
}
