// Package packages implements the HTTP surface of the package index integration:
// registration of host packages, the index-derived listing columns, and the manual
// metadata refresh trigger.
//
// Route layout:
//
//	POST /api/v1/packages                register a host package (optionally linked to the index)
//	GET  /api/v1/packages                list packages with index columns
//	GET  /api/v1/packages/:slug          package detail with index columns
//	GET  /api/v1/packages/:slug/releases releases in natural version order
//	POST /api/v1/packages/:slug/refresh  pull release metadata now (?async=true to queue)
//	GET  /api/v1/grids/columns           grid attribute list
package packages

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/jobs"
	"github.com/packaginator/pypackage/internal/services"
)

// Registrar registers host packages from the registration form.
type Registrar interface {
	RegisterPackage(ctx context.Context, form services.RegistrationForm) (*services.Registration, error)
}

// Catalog reads packages and releases with their index-derived columns.
type Catalog interface {
	ListPackages(ctx context.Context, limit, offset int) ([]services.PackageRow, int, error)
	GetPackage(ctx context.Context, slug string) (*services.PackageDetail, error)
	ListReleases(ctx context.Context, slug string) (*models.IndexPackage, []services.ReleaseView, error)
}

// SyncTrigger queues a background sync of one index package.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, id uuid.UUID) error
}

// Handler holds the dependencies for all package endpoints.
type Handler struct {
	registrar Registrar
	catalog   Catalog
	refresher services.MetadataRefresher
	trigger   SyncTrigger
}

// NewHandler creates a new Handler. trigger may be nil when the scheduled sync
// is disabled; asynchronous refresh requests then fall back to a synchronous pull.
func NewHandler(registrar Registrar, catalog Catalog, refresher services.MetadataRefresher, trigger SyncTrigger) *Handler {
	return &Handler{
		registrar: registrar,
		catalog:   catalog,
		refresher: refresher,
		trigger:   trigger,
	}
}

// ---- POST /api/v1/packages ---------------------------------------------------------

// @Summary      Register a package
// @Description  Creates the host package and, when index_slug is set, links it to the package index. Duplicate index names are rejected before anything is written.
// @Tags         Packages
// @Accept       json
// @Produce      json
// @Param        body  body  services.RegistrationForm  true  "Registration form"
// @Success      201  {object}  services.Registration
// @Failure      400  {object}  map[string]interface{}  "errors: {field: message}"
// @Failure      502  {object}  map[string]interface{}  "Package index unreachable"
// @Router       /api/v1/packages [post]
func (h *Handler) Register(c *gin.Context) {
	var form services.RegistrationForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	reg, err := h.registrar.RegisterPackage(c.Request.Context(), form)
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": verr.Fields})
			return
		}
		h.fail(c, "Failed to register package", err)
		return
	}

	c.JSON(http.StatusCreated, reg)
}

// ---- GET /api/v1/packages ----------------------------------------------------------

// @Summary      List packages
// @Description  Lists host packages with index_latest_version and index_latest_downloads (null when no visible release exists).
// @Tags         Packages
// @Produce      json
// @Param        limit   query  int  false  "Maximum results to return (default 20, max 100)"
// @Param        offset  query  int  false  "Offset for pagination (default 0)"
// @Success      200  {object}  map[string]interface{}  "packages: [], meta: {limit, offset, total}"
// @Router       /api/v1/packages [get]
func (h *Handler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	rows, total, err := h.catalog.ListPackages(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, "Failed to list packages", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"packages": rows,
		"meta": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

// ---- GET /api/v1/packages/:slug ----------------------------------------------------

// @Summary      Get a package
// @Tags         Packages
// @Produce      json
// @Param        slug  path  string  true  "Package slug"
// @Success      200  {object}  services.PackageDetail
// @Failure      404  {object}  map[string]interface{}  "Package not found"
// @Router       /api/v1/packages/{slug} [get]
func (h *Handler) Get(c *gin.Context) {
	detail, err := h.catalog.GetPackage(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.fail(c, "Failed to get package", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ---- GET /api/v1/packages/:slug/releases -------------------------------------------

// @Summary      List releases
// @Description  Releases of the linked index package in natural version order. The latest non-hidden release is marked.
// @Tags         Packages
// @Produce      json
// @Param        slug  path  string  true  "Package slug"
// @Success      200  {object}  map[string]interface{}  "index_package: {}, releases: []"
// @Failure      404  {object}  map[string]interface{}  "Package or index package not found"
// @Router       /api/v1/packages/{slug}/releases [get]
func (h *Handler) ListReleases(c *gin.Context) {
	link, releases, err := h.catalog.ListReleases(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.fail(c, "Failed to list releases", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index_package": link,
		"releases":      releases,
	})
}

// ---- POST /api/v1/packages/:slug/refresh -------------------------------------------

// @Summary      Refresh release metadata
// @Description  Pulls new releases from the package index. With async=true the pull is queued and 202 is returned.
// @Tags         Packages
// @Produce      json
// @Param        slug   path   string  true   "Package slug"
// @Param        async  query  bool    false  "Queue the refresh instead of waiting for it"
// @Success      200  {object}  services.SyncResult
// @Success      202  {object}  map[string]interface{}  "status: queued"
// @Failure      404  {object}  map[string]interface{}  "Package or index package not found"
// @Failure      409  {object}  map[string]interface{}  "Sync already in progress"
// @Failure      429  {object}  map[string]interface{}  "Rate limit exceeded"
// @Failure      502  {object}  map[string]interface{}  "Package index unreachable"
// @Router       /api/v1/packages/{slug}/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	ctx := c.Request.Context()
	detail, err := h.catalog.GetPackage(ctx, c.Param("slug"))
	if err != nil {
		h.fail(c, "Failed to refresh package", err)
		return
	}
	if detail.IndexPackage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Package is not linked to the package index"})
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async && h.trigger != nil {
		if err := h.trigger.TriggerSync(ctx, detail.IndexPackage.ID); err != nil {
			h.fail(c, "Failed to queue refresh", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "index_package": detail.IndexPackage.Name})
		return
	}

	result, err := h.refresher.OnMetadataRefreshRequested(ctx, detail.ID)
	if err != nil {
		_ = c.Error(err)
		status, msg := statusFor(err, "Failed to refresh package")
		body := gin.H{"error": msg}
		if result != nil {
			body["result"] = result
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ---- GET /api/v1/grids/columns -----------------------------------------------------

// @Summary      Grid columns
// @Description  Attributes shown in package comparison grids, including the index-derived columns.
// @Tags         Packages
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "columns: []"
// @Router       /api/v1/grids/columns [get]
func (h *Handler) GridColumns(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, gin.H{"columns": services.GridColumns()})
}

// fail writes the error response for err and attaches err to the request log.
func (h *Handler) fail(c *gin.Context, fallback string, err error) {
	_ = c.Error(err)
	status, msg := statusFor(err, fallback)
	if status == http.StatusInternalServerError {
		slog.Error(fallback, "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// statusFor maps service errors onto HTTP statuses. Unknown errors are 500 with
// the fallback message so internal details are not leaked.
func statusFor(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobs.ErrSyncInProgress):
		return http.StatusConflict, "Sync already in progress"
	case errors.Is(err, services.ErrTransport):
		return http.StatusBadGateway, "Package index unavailable"
	default:
		return http.StatusInternalServerError, fallback
	}
}
