package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/sagaflow/model"
)

// DefinitionSource exposes the loaded workflow definitions.
type DefinitionSource interface {
	All() []model.WorkflowDefinition
	Get(workflowType string) (model.WorkflowDefinition, bool)
	Checksum() string
}

func handleDefinitionList(defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := defs.All()
		if all == nil {
			all = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     all,
			"checksum": defs.Checksum(),
		})
	}
}

func handleDefinitionGet(defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowType := chi.URLParam(r, "workflowType")
		def, ok := defs.Get(workflowType)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("workflow type %q is not defined", workflowType))
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
