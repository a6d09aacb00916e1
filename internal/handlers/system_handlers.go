package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/telemetry"
)

const statsBroadcastInterval = 5 * time.Second

// SystemHandlers serves host metrics for the dashboard and pushes them
// to websocket subscribers.
type SystemHandlers struct {
	sampler *telemetry.Sampler
	hub     *middleware.Hub
}

func NewSystemHandlers(sampler *telemetry.Sampler, hub *middleware.Hub) *SystemHandlers {
	return &SystemHandlers{sampler: sampler, hub: hub}
}

// Stats returns the most recent host metrics sample.
func (h *SystemHandlers) Stats(c *gin.Context) {
	snap := h.sampler.Snapshot()
	if snap == nil {
		respondFail(c, http.StatusServiceUnavailable, "Stats not available yet")
		return
	}
	respondOK(c, "success", snap)
}

// StartBroadcast pushes stats to websocket clients until stop closes.
func (h *SystemHandlers) StartBroadcast(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(statsBroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if h.hub.GetClientCount() == 0 {
					continue
				}
				snap := h.sampler.Snapshot()
				if snap == nil {
					continue
				}
				payload, err := json.Marshal(gin.H{"type": "stats", "data": snap})
				if err != nil {
					log.Error().Err(err).Msg("Failed to marshal stats broadcast")
					continue
				}
				h.hub.Broadcast(payload)
			case <-stop:
				return
			}
		}
	}()
}
