package migration

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/verenigingen/eboekhouden/audit"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/middlewares"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/utils"
)

const defaultRunListLimit = 50

// RegisterRoutes mounts the operator endpoints. The group is expected to run
// middlewares.AuthMiddleware.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/runs", s.StartRunHandler())
	rg.GET("/runs", s.ListRunsHandler())
	rg.GET("/runs/:id", s.RunDetailHandler())
	rg.GET("/runs/:id/progress", s.ProgressHandler())
	rg.POST("/runs/:id/cancel", s.CancelRunHandler())
	rg.POST("/runs/:id/retry", s.RetryRunHandler())
	rg.GET("/runs/:id/export", s.ExportRunHandler())

	rg.POST("/analyze", s.AnalyzeHandler())

	rg.GET("/mappings", s.ListMappingsHandler())
	rg.POST("/mappings", s.CreateMappingHandler())
	rg.PUT("/mappings/:id", s.UpdateMappingHandler())
	rg.POST("/mappings/apply", s.ApplyMappingsHandler())

	rg.GET("/settings", s.GetSettingsHandler())
	rg.PUT("/settings", s.UpdateSettingsHandler())
}

func (s *Service) StartRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req StartRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		run, err := s.StartRun(ctx, businessId, requester(c), req)
		if err != nil {
			s.respondError(c, "StartRunHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "status": run.Status})
	}
}

func (s *Service) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit := defaultRunListLimit
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		runs, err := s.Store.ListRuns(ctx, businessId, limit)
		if err != nil {
			s.respondError(c, "ListRunsHandler", err)
			return
		}
		if runs == nil {
			runs = []models.MigrationRun{}
		}
		c.JSON(http.StatusOK, runs)
	}
}

func (s *Service) RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, runId, ok := runParams(c)
		if !ok {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		detail, err := s.RunDetail(ctx, businessId, runId)
		if err != nil {
			s.respondError(c, "RunDetailHandler", err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

// ProgressHandler serves the latest snapshot, or one derived from the run row when the
// snapshot expired or the run never published one.
func (s *Service) ProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, runId, ok := runParams(c)
		if !ok {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		snap, err := s.Progress.Latest(ctx, businessId, runId)
		if err != nil {
			s.logError("ProgressHandler", "read progress", runId, err)
		}
		if snap != nil {
			c.JSON(http.StatusOK, snap)
			return
		}
		run, err := s.Store.GetRun(ctx, businessId, runId)
		if err != nil {
			s.respondError(c, "ProgressHandler", err)
			return
		}
		c.JSON(http.StatusOK, progressFromRun(run))
	}
}

func progressFromRun(run *models.MigrationRun) host.Progress {
	p := host.Progress{
		RunId:         run.ID,
		BusinessId:    run.BusinessId,
		Status:        run.Status,
		Counts:        run.Counts(),
		HighWaterMark: run.HighWaterMark,
		UpdatedAt:     run.UpdatedAt,
	}
	if run.Status.IsTerminal() {
		p.Fraction = 1
	}
	return p
}

func (s *Service) CancelRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, runId, ok := runParams(c)
		if !ok {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		run, err := s.CancelRun(ctx, businessId, runId)
		if err != nil {
			s.respondError(c, "CancelRunHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "status": run.Status})
	}
}

func (s *Service) RetryRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, runId, ok := runParams(c)
		if !ok {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		run, err := s.RetryRun(ctx, businessId, requester(c), runId)
		if err != nil {
			s.respondError(c, "RetryRunHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "status": run.Status})
	}
}

// ExportRunHandler streams the run workbook; with ?archive=true it is stored in the
// report bucket instead and the object name is returned.
func (s *Service) ExportRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, runId, ok := runParams(c)
		if !ok {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		if archive, _ := strconv.ParseBool(c.Query("archive")); archive {
			run, err := s.Store.GetRun(ctx, businessId, runId)
			if err != nil {
				s.respondError(c, "ExportRunHandler", err)
				return
			}
			object, err := s.ArchiveReport(ctx, run)
			if err != nil {
				s.respondError(c, "ExportRunHandler", err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"bucket": s.ReportBucket, "object": object})
			return
		}

		f, _, err := s.Workbook(ctx, businessId, runId)
		if err != nil {
			s.respondError(c, "ExportRunHandler", err)
			return
		}
		defer f.Close()
		c.Header("Content-Type", audit.WorkbookContentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=eboekhouden-run-%d.xlsx", runId))
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			s.logError("ExportRunHandler", "write workbook", runId, err)
		}
	}
}

func (s *Service) AnalyzeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req AnalyzeRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		analysis, err := s.Analyze(ctx, businessId, req)
		if err != nil {
			s.respondError(c, "AnalyzeHandler", err)
			return
		}
		c.JSON(http.StatusOK, analysis)
	}
}

func (s *Service) ListMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		activeOnly, _ := strconv.ParseBool(c.Query("active"))
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		list, err := s.Mappings(ctx, businessId, activeOnly)
		if err != nil {
			s.respondError(c, "ListMappingsHandler", err)
			return
		}
		if list == nil {
			list = []models.AccountMapping{}
		}
		c.JSON(http.StatusOK, list)
	}
}

func (s *Service) CreateMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req MappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		m, err := s.CreateMapping(ctx, businessId, req)
		if err != nil {
			s.respondError(c, "CreateMappingHandler", err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func (s *Service) UpdateMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, id, ok := runParams(c)
		if !ok {
			return
		}
		var req MappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		m, err := s.UpdateMapping(ctx, businessId, id, req)
		if err != nil {
			s.respondError(c, "UpdateMappingHandler", err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func (s *Service) ApplyMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req AnalyzeRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := s.ApplySuggestions(ctx, businessId, req)
		if err != nil {
			s.respondError(c, "ApplyMappingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Service) GetSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := s.Settings(ctx, businessId)
		if err != nil {
			s.respondError(c, "GetSettingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Service) UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req SettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := s.SaveSettings(ctx, businessId, req)
		if err != nil {
			s.respondError(c, "UpdateSettingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Service) respondError(c *gin.Context, funcName string, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, host.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrNoSettings):
		c.JSON(http.StatusConflict, gin.H{"error": "migration settings are not configured"})
	case errors.Is(err, ErrRunFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logError(funcName, c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dest any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

// runParams resolves the business and the numeric :id, answering the request itself
// when either is bad.
func runParams(c *gin.Context) (string, uint, bool) {
	businessId, err := resolveBusinessID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", 0, false
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return "", 0, false
	}
	return businessId, uint(id), true
}

// resolveBusinessID is the business of the token. Admins may act on another business
// through ?business_id=.
func resolveBusinessID(c *gin.Context) (string, error) {
	claims := middlewares.CtxValue(c.Request.Context())
	if claims == nil {
		return "", errors.New("unauthorized")
	}
	businessId := strings.TrimSpace(c.Query("business_id"))
	if businessId != "" && businessId != claims.BusinessId {
		if !claims.IsAdmin() {
			return "", errors.New("unauthorized")
		}
		return businessId, nil
	}
	businessId = strings.TrimSpace(claims.BusinessId)
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func requester(c *gin.Context) string {
	if claims := middlewares.CtxValue(c.Request.Context()); claims != nil && claims.UserName != "" {
		return claims.UserName
	}
	return "operator"
}
