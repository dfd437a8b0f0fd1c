package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

const testJWTSecret = "test-secret-test-secret-test-secret"

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Auth.JWTExpiration = time.Hour
	cfg.Logging.Level = "info"
	cfg.Monitor.QueryTimeout = time.Second
	return cfg
}

func signToken(t *testing.T, secret string, expiresAt time.Time) string {
	t.Helper()
	claims := &JWTClaims{
		Subject: "ops",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func testRouter(deps *Dependencies) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(deps)
}

func minimalDeps() *Dependencies {
	return &Dependencies{
		Config:   testConfig(),
		Registry: resilience.NewRegistry(),
	}
}

func TestRouter_VersionEndpoint(t *testing.T) {
	router := testRouter(minimalDeps())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
}

func TestRouter_UnknownRoute(t *testing.T) {
	router := testRouter(minimalDeps())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MutatingRoutesRequireAuth(t *testing.T) {
	router := testRouter(minimalDeps())

	body := bytes.NewBufferString(`{"name":"prod-pg"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", body)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_RejectsBadTokens(t *testing.T) {
	router := testRouter(minimalDeps())

	cases := map[string]string{
		"malformed header": "Token abc",
		"garbage token":    "Bearer not-a-jwt",
		"wrong secret":     "Bearer " + signToken(t, "other-secret", time.Now().Add(time.Hour)),
		"expired":          "Bearer " + signToken(t, testJWTSecret, time.Now().Add(-time.Hour)),
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/resilience/breakers/x/trip", nil)
			req.Header.Set("Authorization", header)
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestResilienceHandler_StatsAndBreakerControl(t *testing.T) {
	deps := minimalDeps()
	_, err := deps.Registry.CircuitBreakers.GetOrCreate("db-prod-pg",
		resilience.DefaultCircuitBreakerConfig("db-prod-pg"))
	require.NoError(t, err)

	router := testRouter(deps)
	token := signToken(t, testJWTSecret, time.Now().Add(time.Hour))

	// stats snapshot is public
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/resilience", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "db-prod-pg")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/resilience/breakers/db-prod-pg", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/resilience/breakers/missing", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// trip then reset with auth
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/resilience/breakers/db-prod-pg/trip", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "OPEN")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/resilience/breakers/db-prod-pg/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CLOSED")
}

type stubSourceRepo struct {
	sources map[uuid.UUID]*types.DataSource
	created []*types.DataSource
}

func newStubSourceRepo() *stubSourceRepo {
	return &stubSourceRepo{sources: make(map[uuid.UUID]*types.DataSource)}
}

func (s *stubSourceRepo) Create(ctx context.Context, source *types.DataSource) error {
	source.ID = uuid.New()
	s.sources[source.ID] = source
	s.created = append(s.created, source)
	return nil
}
func (s *stubSourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.DataSource, error) {
	source, ok := s.sources[id]
	if !ok {
		return nil, errors.NewNotFoundError("source")
	}
	return source, nil
}
func (s *stubSourceRepo) GetByName(ctx context.Context, name string) (*types.DataSource, error) {
	return nil, errors.NewNotFoundError("source")
}
func (s *stubSourceRepo) Update(ctx context.Context, source *types.DataSource) error { return nil }
func (s *stubSourceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.sources[id]; !ok {
		return errors.NewNotFoundError("source")
	}
	delete(s.sources, id)
	return nil
}
func (s *stubSourceRepo) ListEnabled(ctx context.Context) ([]*types.DataSource, error) {
	return nil, nil
}
func (s *stubSourceRepo) List(ctx context.Context, p *database.Pagination) ([]*types.DataSource, int64, error) {
	var out []*types.DataSource
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out, int64(len(out)), nil
}

type stubTargetRepo struct {
	targets map[uuid.UUID]*types.TableTarget
}

func newStubTargetRepo() *stubTargetRepo {
	return &stubTargetRepo{targets: make(map[uuid.UUID]*types.TableTarget)}
}

func (s *stubTargetRepo) Create(ctx context.Context, target *types.TableTarget) error {
	target.ID = uuid.New()
	s.targets[target.ID] = target
	return nil
}
func (s *stubTargetRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.TableTarget, error) {
	target, ok := s.targets[id]
	if !ok {
		return nil, errors.NewNotFoundError("target")
	}
	return target, nil
}
func (s *stubTargetRepo) Update(ctx context.Context, target *types.TableTarget) error { return nil }
func (s *stubTargetRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(s.targets, id)
	return nil
}
func (s *stubTargetRepo) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]*types.TableTarget, error) {
	var out []*types.TableTarget
	for _, target := range s.targets {
		if target.SourceID == sourceID {
			out = append(out, target)
		}
	}
	return out, nil
}

func sourceTestRouter(sources *stubSourceRepo, targets *stubTargetRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewSourceHandler(sources, targets, resilience.NewRegistry(), time.Second)

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.POST("/sources", handler.CreateSource)
	router.GET("/sources", handler.ListSources)
	router.GET("/sources/:id", handler.GetSource)
	router.PATCH("/sources/:id", handler.UpdateSource)
	router.DELETE("/sources/:id", handler.DeleteSource)
	router.POST("/sources/:id/targets", handler.CreateTarget)
	router.GET("/sources/:id/targets", handler.ListTargets)
	return router
}

func TestSourceHandler_CreateAndGet(t *testing.T) {
	sources := newStubSourceRepo()
	router := sourceTestRouter(sources, newStubTargetRepo())

	payload := `{
		"name": "prod-pg",
		"kind": "postgres",
		"host": "db.internal",
		"port": 5432,
		"database": "orders",
		"user": "monitor",
		"password": "secret"
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sources", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, sources.created, 1)
	created := sources.created[0]
	assert.Equal(t, "prod-pg", created.Name)
	assert.Equal(t, types.SourceKindPostgres, created.Kind)
	assert.Equal(t, "require", created.SSLMode)
	assert.True(t, created.Enabled)

	// password never appears in the response
	assert.NotContains(t, w.Body.String(), "secret")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/sources/"+created.ID.String(), nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prod-pg")
}

func TestSourceHandler_CreateValidation(t *testing.T) {
	router := sourceTestRouter(newStubSourceRepo(), newStubTargetRepo())

	cases := map[string]string{
		"missing fields": `{"name":"x"}`,
		"bad kind":       `{"name":"x","kind":"oracle","host":"h","port":1,"database":"d","user":"u","password":"p"}`,
		"bad json":       `{`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/sources", bytes.NewBufferString(payload))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSourceHandler_GetUnknownSource(t *testing.T) {
	router := sourceTestRouter(newStubSourceRepo(), newStubTargetRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sources/"+uuid.NewString(), nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/sources/not-a-uuid", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSourceHandler_CreateTarget(t *testing.T) {
	sources := newStubSourceRepo()
	targets := newStubTargetRepo()
	router := sourceTestRouter(sources, targets)

	source := &types.DataSource{Name: "prod-pg", Kind: types.SourceKindPostgres}
	require.NoError(t, sources.Create(context.Background(), source))

	payload := `{
		"schema_name": "public",
		"table_name": "orders",
		"timestamp_column": "updated_at",
		"max_lag_seconds": 3600,
		"volume_tolerance": 0.25
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sources/"+source.ID.String()+"/targets", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, targets.targets, 1)
	for _, target := range targets.targets {
		assert.Equal(t, source.ID, target.SourceID)
		assert.Equal(t, time.Hour, target.MaxLag)
		assert.True(t, target.Enabled)
	}

	// unknown source rejects the target
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/sources/"+uuid.NewString()+"/targets", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaginationFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?page=3&page_size=25", nil)
	p := paginationFromQuery(c)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 25, p.PageSize)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?page=-1&page_size=10000", nil)
	p = paginationFromQuery(c)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 50, p.PageSize)
}

func TestPaginationMeta(t *testing.T) {
	meta := paginationMeta(&database.Pagination{Page: 2, PageSize: 10}, 35)
	require.NotNil(t, meta.Pagination)
	assert.Equal(t, 4, meta.Pagination.TotalPages)
	assert.True(t, meta.Pagination.HasNext)
	assert.True(t, meta.Pagination.HasPrev)
}
