package transport

import (
	"net/http"

	"github.com/pitabwire/sagaflow/internal/eventbus"
)

// BusInspector reports event bus statistics.
type BusInspector interface {
	Stats() eventbus.Stats
}

func handleBusStats(bus BusInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, bus.Stats())
	}
}
