package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/response"
)

// ResultsLister is the admin view over finished and running sessions.
type ResultsLister interface {
	ListTemplateResults(ctx context.Context, templateID uuid.UUID, page, perPage int) ([]model.TemplateResultRow, *response.Pagination, error)
	SweepExpired(ctx context.Context, batch, concurrency int) (int, error)
}

// CatalogRefresher reloads a template's pool into the cache.
type CatalogRefresher interface {
	Refresh(ctx context.Context, templateID uuid.UUID) (int, error)
}

// AdminHandler handles the operator endpoints.
type AdminHandler struct {
	results          ResultsLister
	catalog          CatalogRefresher
	sweepBatch       int
	sweepConcurrency int
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(results ResultsLister, catalog CatalogRefresher, sweepBatch, sweepConcurrency int) *AdminHandler {
	return &AdminHandler{
		results:          results,
		catalog:          catalog,
		sweepBatch:       sweepBatch,
		sweepConcurrency: sweepConcurrency,
	}
}

// ListTemplateResults godoc
// GET /api/v1/admin/templates/:template_id/results?page=1&per_page=20
func (h *AdminHandler) ListTemplateResults(c *gin.Context) {
	templateID, ok := uuidParam(c, "template_id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	rows, pagination, err := h.results.ListTemplateResults(c.Request.Context(), templateID, page, perPage)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, rows, pagination)
}

// SweepSessions godoc
// POST /api/v1/admin/sessions/sweep
// Times out every in-progress session whose deadline has passed.
func (h *AdminHandler) SweepSessions(c *gin.Context) {
	n, err := h.results.SweepExpired(c.Request.Context(), h.sweepBatch, h.sweepConcurrency)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"timed_out": n})
}

// RefreshCatalog godoc
// POST /api/v1/admin/templates/:template_id/catalog/refresh
// Reloads the template's question pool from the database into the cache.
func (h *AdminHandler) RefreshCatalog(c *gin.Context) {
	templateID, ok := uuidParam(c, "template_id")
	if !ok {
		return
	}

	n, err := h.catalog.Refresh(c.Request.Context(), templateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"template_id": templateID,
		"questions":   n,
	})
}
