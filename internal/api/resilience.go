package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tablewatch/tablewatch/pkg/resilience"
)

// ResilienceHandler exposes breaker, retry, and timeout state for operators
type ResilienceHandler struct {
	registry *resilience.Registry
}

// NewResilienceHandler creates a resilience handler
func NewResilienceHandler(registry *resilience.Registry) *ResilienceHandler {
	return &ResilienceHandler{registry: registry}
}

// Stats returns a snapshot of every registered breaker, retry policy, and
// timeout manager
func (h *ResilienceHandler) Stats(c *gin.Context) {
	SuccessResponse(c, h.registry.GetAllStats())
}

// BreakerStats returns one circuit breaker's statistics
func (h *ResilienceHandler) BreakerStats(c *gin.Context) {
	name := c.Param("name")

	cb, ok := h.registry.CircuitBreakers.Get(name)
	if !ok {
		NotFoundResponse(c, "Circuit breaker not found")
		return
	}

	SuccessResponse(c, cb.Stats())
}

// TripBreaker forces a breaker open, isolating its source until the recovery
// timeout elapses
func (h *ResilienceHandler) TripBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, ok := h.registry.CircuitBreakers.Get(name)
	if !ok {
		NotFoundResponse(c, "Circuit breaker not found")
		return
	}

	cb.Trip()
	SuccessResponse(c, gin.H{
		"name":  name,
		"state": cb.State().String(),
	})
}

// ResetBreaker forces a breaker closed, clearing its failure history
func (h *ResilienceHandler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, ok := h.registry.CircuitBreakers.Get(name)
	if !ok {
		NotFoundResponse(c, "Circuit breaker not found")
		return
	}

	cb.Reset()
	SuccessResponse(c, gin.H{
		"name":  name,
		"state": cb.State().String(),
	})
}
