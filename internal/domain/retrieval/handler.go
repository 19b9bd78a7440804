package retrieval

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinrag/clinrag/internal/platform/store"
)

const defaultK = 10

// Handler exposes the retrieval API.
type Handler struct {
	engine   *Engine
	reranker *Reranker
	store    store.Store
}

func NewHandler(engine *Engine, reranker *Reranker, st store.Store) *Handler {
	return &Handler{engine: engine, reranker: reranker, store: st}
}

// RegisterRoutes registers the retrieval and stats routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/retrieve/dense", h.Dense)
	e.POST("/retrieve/sparse", h.Sparse)
	e.POST("/retrieve/hybrid", h.Hybrid)
	e.POST("/retrieve/timeline", h.Timeline)
	e.POST("/retrieve/rerank", h.Rerank)
	e.GET("/stats/store", h.StoreStats)
	e.GET("/stats/rerank-cache", h.CacheStats)
}

type searchRequest struct {
	Query   string       `json:"query"`
	K       int          `json:"k"`
	Filter  store.Filter `json:"filter,omitempty"`
	Phrase  bool         `json:"phrase,omitempty"`
	Weights *Weights     `json:"weights,omitempty"`
}

type timelineRequest struct {
	PatientID     string   `json:"patient_id"`
	K             int      `json:"k"`
	ResourceTypes []string `json:"resource_types,omitempty"`
}

type rerankRequest struct {
	Query         string       `json:"query"`
	KRetrieve     int          `json:"k_retrieve"`
	KReturn       int          `json:"k_return"`
	Filter        store.Filter `json:"filter,omitempty"`
	IncludeSource bool         `json:"include_source,omitempty"`
}

type scoredResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata store.Metadata `json:"metadata"`
	Score    float64        `json:"score"`
}

type plainResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata store.Metadata `json:"metadata"`
}

func toScored(results []store.ScoredChunk) []scoredResult {
	out := make([]scoredResult, len(results))
	for i, sc := range results {
		out[i] = scoredResult{ID: sc.ID, Content: sc.Content, Metadata: sc.Metadata, Score: sc.Score}
	}
	return out
}

// searchError surfaces a retrieval failure with its classification tag.
func searchError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": err.Error(),
		"class": store.Classify(err),
	})
}

func (h *Handler) bindSearch(c echo.Context) (*searchRequest, error) {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.K <= 0 {
		req.K = defaultK
	}
	return &req, nil
}

func (h *Handler) Dense(c echo.Context) error {
	req, err := h.bindSearch(c)
	if err != nil {
		return err
	}
	results, err := h.engine.Dense(c.Request().Context(), req.Query, req.K, req.Filter)
	if err != nil {
		return searchError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": toScored(results)})
}

func (h *Handler) Sparse(c echo.Context) error {
	req, err := h.bindSearch(c)
	if err != nil {
		return err
	}
	results, err := h.engine.Sparse(c.Request().Context(), req.Query, req.K, req.Filter, req.Phrase)
	if err != nil {
		return searchError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": toScored(results)})
}

func (h *Handler) Hybrid(c echo.Context) error {
	req, err := h.bindSearch(c)
	if err != nil {
		return err
	}
	results, err := h.engine.Hybrid(c.Request().Context(), req.Query, req.K, req.Filter, req.Weights)
	if err != nil {
		return searchError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": toScored(results)})
}

func (h *Handler) Timeline(c echo.Context) error {
	var req timelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	if req.K <= 0 {
		req.K = defaultK
	}

	chunks, err := h.engine.Timeline(c.Request().Context(), req.PatientID, req.K, req.ResourceTypes)
	if err != nil {
		return searchError(c, err)
	}
	results := make([]plainResult, len(chunks))
	for i, ch := range chunks {
		results[i] = plainResult{ID: ch.ID, Content: ch.Content, Metadata: ch.Metadata}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handler) Rerank(c echo.Context) error {
	var req rerankRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.KRetrieve <= 0 {
		req.KRetrieve = h.engine.cfg.KRetrieve
	}
	if req.KReturn <= 0 {
		req.KReturn = defaultK
	}

	results, err := h.reranker.Rerank(c.Request().Context(), req.Query, req.KRetrieve, req.KReturn, req.Filter)
	if err != nil {
		return searchError(c, err)
	}

	resp := map[string]interface{}{"results": toScored(results)}
	if req.IncludeSource {
		sources, err := h.reranker.SourcePayloads(c.Request().Context(), results)
		if err != nil {
			return searchError(c, err)
		}
		resp["sources"] = sources
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) StoreStats(c echo.Context) error {
	stats, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return searchError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reranker.Stats())
}
