package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tablewatch/tablewatch/internal/connector"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// SourceHandler serves data source and table target management routes
type SourceHandler struct {
	sources      database.SourceRepositoryInterface
	targets      database.TargetRepositoryInterface
	registry     *resilience.Registry
	queryTimeout time.Duration
}

// NewSourceHandler creates a source handler
func NewSourceHandler(sources database.SourceRepositoryInterface, targets database.TargetRepositoryInterface, registry *resilience.Registry, queryTimeout time.Duration) *SourceHandler {
	return &SourceHandler{
		sources:      sources,
		targets:      targets,
		registry:     registry,
		queryTimeout: queryTimeout,
	}
}

// CreateSourceRequest is the payload for registering a data source
type CreateSourceRequest struct {
	Name     string `json:"name" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Database string `json:"database" binding:"required"`
	User     string `json:"user" binding:"required"`
	Password string `json:"password" binding:"required"`
	SSLMode  string `json:"ssl_mode"`
	Enabled  *bool  `json:"enabled"`
}

// CreateSource registers a new data source
func (h *SourceHandler) CreateSource(c *gin.Context) {
	var req CreateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "Invalid request body: "+err.Error())
		return
	}

	kind := types.SourceKind(req.Kind)
	if kind != types.SourceKindPostgres && kind != types.SourceKindMySQL {
		ValidationErrorResponse(c, "kind must be postgres or mysql")
		return
	}

	sslMode := req.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	source := &types.DataSource{
		Name:     req.Name,
		Kind:     kind,
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		User:     req.User,
		Password: req.Password,
		SSLMode:  sslMode,
		Enabled:  enabled,
	}

	if err := h.sources.Create(c.Request.Context(), source); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, source)
}

// ListSources returns a page of registered sources
func (h *SourceHandler) ListSources(c *gin.Context) {
	pagination := paginationFromQuery(c)

	sources, total, err := h.sources.List(c.Request.Context(), pagination)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponseWithMeta(c, sources, paginationMeta(pagination, total))
}

// GetSource returns one source by ID
func (h *SourceHandler) GetSource(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	source, err := h.sources.GetByID(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, source)
}

// UpdateSourceRequest is the payload for updating a data source
type UpdateSourceRequest struct {
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Database *string `json:"database"`
	User     *string `json:"user"`
	Password *string `json:"password"`
	SSLMode  *string `json:"ssl_mode"`
	Enabled  *bool   `json:"enabled"`
}

// UpdateSource applies a partial update to a source
func (h *SourceHandler) UpdateSource(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	var req UpdateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "Invalid request body: "+err.Error())
		return
	}

	source, err := h.sources.GetByID(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	if req.Host != nil {
		source.Host = *req.Host
	}
	if req.Port != nil {
		source.Port = *req.Port
	}
	if req.Database != nil {
		source.Database = *req.Database
	}
	if req.User != nil {
		source.User = *req.User
	}
	if req.Password != nil {
		source.Password = *req.Password
	}
	if req.SSLMode != nil {
		source.SSLMode = *req.SSLMode
	}
	if req.Enabled != nil {
		source.Enabled = *req.Enabled
	}

	if err := h.sources.Update(c.Request.Context(), source); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, source)
}

// DeleteSource removes a source and its targets
func (h *SourceHandler) DeleteSource(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	if err := h.sources.Delete(c.Request.Context(), id); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	NoContentResponse(c)
}

// TestSource opens a connection to the source and pings it through the
// resilience stack
func (h *SourceHandler) TestSource(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	source, err := h.sources.GetByID(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	conn, err := connector.NewConnector(&connector.Config{
		Source:       source,
		QueryTimeout: h.queryTimeout,
		Registry:     h.registry,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(c.Request.Context()); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"source":     source.Name,
		"reachable":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// CreateTargetRequest is the payload for registering a table target
type CreateTargetRequest struct {
	SchemaName      string  `json:"schema_name"`
	TableName       string  `json:"table_name" binding:"required"`
	TimestampColumn string  `json:"timestamp_column"`
	MaxLagSeconds   int64   `json:"max_lag_seconds"`
	VolumeTolerance float64 `json:"volume_tolerance"`
	Enabled         *bool   `json:"enabled"`
}

// CreateTarget registers a monitored table under a source
func (h *SourceHandler) CreateTarget(c *gin.Context) {
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	var req CreateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if _, err := h.sources.GetByID(c.Request.Context(), sourceID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	target := &types.TableTarget{
		SourceID:        sourceID,
		SchemaName:      req.SchemaName,
		TableName:       req.TableName,
		TimestampColumn: req.TimestampColumn,
		MaxLag:          time.Duration(req.MaxLagSeconds) * time.Second,
		VolumeTolerance: req.VolumeTolerance,
		Enabled:         enabled,
	}

	if err := h.targets.Create(c.Request.Context(), target); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, target)
}

// ListTargets returns the enabled targets for a source
func (h *SourceHandler) ListTargets(c *gin.Context) {
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid source ID")
		return
	}

	targets, err := h.targets.ListBySource(c.Request.Context(), sourceID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, targets)
}

// DeleteTarget removes a monitored table
func (h *SourceHandler) DeleteTarget(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		ValidationErrorResponse(c, "Invalid target ID")
		return
	}

	if err := h.targets.Delete(c.Request.Context(), targetID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	NoContentResponse(c)
}

// paginationFromQuery parses page and page_size query parameters
func paginationFromQuery(c *gin.Context) *database.Pagination {
	pagination := database.DefaultPagination()

	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && page > 0 {
		pagination.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "50")); err == nil && size > 0 && size <= 200 {
		pagination.PageSize = size
	}

	return pagination
}
