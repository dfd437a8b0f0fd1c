package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// ResultHandler serves check result routes
type ResultHandler struct {
	results   database.CheckResultRepositoryInterface
	baselines *cache.BaselineCache
}

// NewResultHandler creates a result handler
func NewResultHandler(results database.CheckResultRepositoryInterface, baselines *cache.BaselineCache) *ResultHandler {
	return &ResultHandler{
		results:   results,
		baselines: baselines,
	}
}

// LatestByTarget returns the most recent result per check kind for a target.
// The Redis cache is consulted first; the metadata database backs it up.
func (h *ResultHandler) LatestByTarget(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid target ID")
		return
	}

	if h.baselines != nil {
		if cached := h.latestFromCache(c, targetID); len(cached) > 0 {
			SuccessResponse(c, cached)
			return
		}
	}

	results, err := h.results.GetLatestByTarget(c.Request.Context(), targetID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, results)
}

func (h *ResultHandler) latestFromCache(c *gin.Context, targetID uuid.UUID) []*types.CheckResult {
	kinds := []types.CheckKind{types.CheckKindFreshness, types.CheckKindVolume, types.CheckKindSchema}

	var cached []*types.CheckResult
	for _, kind := range kinds {
		result, err := h.baselines.GetLastResult(c.Request.Context(), targetID, kind)
		if err != nil {
			if !errors.IsNotFound(err) {
				return nil
			}
			continue
		}
		cached = append(cached, result)
	}
	return cached
}

// ListBySource returns a page of results for a source, newest first
func (h *ResultHandler) ListBySource(c *gin.Context) {
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	pagination := paginationFromQuery(c)

	results, total, err := h.results.ListBySource(c.Request.Context(), sourceID, pagination)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponseWithMeta(c, results, paginationMeta(pagination, total))
}

// VolumeBaseline returns the cached rolling baseline for a target
func (h *ResultHandler) VolumeBaseline(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid target ID")
		return
	}

	if h.baselines == nil {
		NotFoundResponse(c, "Baseline cache is not configured")
		return
	}

	baseline, err := h.baselines.GetVolumeBaseline(c.Request.Context(), targetID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, baseline)
}

// ResetVolumeBaseline drops the cached baseline so it rebuilds on the next
// sweep
func (h *ResultHandler) ResetVolumeBaseline(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid target ID")
		return
	}

	if h.baselines == nil {
		NotFoundResponse(c, "Baseline cache is not configured")
		return
	}

	if err := h.baselines.InvalidateVolumeBaseline(c.Request.Context(), targetID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	NoContentResponse(c)
}
