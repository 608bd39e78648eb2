package orchestrator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/objectstore"
	"github.com/chatmesh/chatmesh/pkg/stream"
)

// maxAssetBytes bounds a single uploaded document.
const maxAssetBytes = 10 << 20

var contentTypeExts = map[string]string{
	"text/markdown":   ".md",
	"text/plain":      ".txt",
	"text/html":       ".html",
	"application/pdf": ".pdf",
}

type uploadAssetRequest struct {
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	Visibility  string   `json:"visibility"`
	ContentType string   `json:"content_type"`
	// Content is the base64-encoded document body.
	Content string `json:"content"`
}

// uploadAssetHandler handles POST .../brands/:brand_id/assets.
func (s *Server) uploadAssetHandler(c *echo.Context) error {
	var req uploadAssetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	ext, ok := contentTypeExts[req.ContentType]
	if !ok {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType,
			"content_type must be one of text/markdown, text/plain, text/html, application/pdf")
	}
	data, err := decodeAssetContent(req.Content)
	if err != nil {
		return err
	}

	return s.acceptAssetUpload(c, assetUpload{
		tenantID:    c.Param("tenant_id"),
		brandID:     c.Param("brand_id"),
		title:       req.Title,
		tags:        req.Tags,
		visibility:  req.Visibility,
		contentType: req.ContentType,
		ext:         ext,
		data:        data,
	})
}

type uploadKnowledgeAssetRequest struct {
	TenantID   string   `json:"tenant_id"`
	BrandID    string   `json:"brand_id"`
	Filename   string   `json:"filename"`
	Tags       []string `json:"tags"`
	Visibility string   `json:"visibility"`
	// Exactly one of Content (base64 document body) and ObjectKey (an
	// object already present in the store) is set.
	Content   string `json:"content"`
	ObjectKey string `json:"object_key"`
}

var filenameContentTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".html":     "text/html",
	".pdf":      "application/pdf",
}

// uploadKnowledgeAssetHandler handles POST /admin/knowledge_assets/upload,
// the flat-body variant of the asset upload.
func (s *Server) uploadKnowledgeAssetHandler(c *echo.Context) error {
	var req uploadKnowledgeAssetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" || req.BrandID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and brand_id are required")
	}
	if req.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required")
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	contentType, ok := filenameContentTypes[ext]
	if !ok {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType,
			"filename must end in .md, .markdown, .txt, .html, or .pdf")
	}
	if (req.Content == "") == (req.ObjectKey == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of content and object_key is required")
	}

	up := assetUpload{
		tenantID:    req.TenantID,
		brandID:     req.BrandID,
		title:       req.Filename,
		tags:        req.Tags,
		visibility:  req.Visibility,
		contentType: contentType,
		ext:         ext,
		objectKey:   req.ObjectKey,
	}
	if req.Content != "" {
		data, err := decodeAssetContent(req.Content)
		if err != nil {
			return err
		}
		up.data = data
	}
	return s.acceptAssetUpload(c, up)
}

func decodeAssetContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "content must be base64")
	}
	if len(data) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "content is empty")
	}
	if len(data) > maxAssetBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document exceeds 10 MiB")
	}
	return data, nil
}

type assetUpload struct {
	tenantID    string
	brandID     string
	title       string
	visibility  string
	contentType string
	ext         string
	tags        []string
	data        []byte
	objectKey   string
}

// acceptAssetUpload persists the document, creates the asset row with its
// queued ingestion job, and nudges the worker pool. Identical bytes already
// uploaded to the same brand return the existing asset instead of a new
// ingestion run.
func (s *Server) acceptAssetUpload(c *echo.Context, up assetUpload) error {
	ctx := c.Request().Context()
	if up.visibility == "" {
		up.visibility = "internal"
	}

	asset := &models.KnowledgeAsset{
		ID:         uuid.NewString(),
		TenantID:   up.tenantID,
		BrandID:    up.brandID,
		Title:      up.title,
		Tags:       models.StringList(up.tags),
		Visibility: up.visibility,
	}
	switch {
	case up.objectKey != "":
		asset.ObjectKey = up.objectKey
	default:
		sum := sha256.Sum256(up.data)
		sha := hex.EncodeToString(sum[:])
		if existing, err := s.assets.FindBySHA(ctx, up.tenantID, up.brandID, sha); err == nil && existing != nil {
			return c.JSON(http.StatusOK, existing)
		}
		asset.SHA256 = sha
		asset.ObjectKey = objectstore.ObjectKey(up.tenantID, up.brandID, asset.ID, sha, up.ext)
		if err := s.objects.Put(ctx, asset.ObjectKey, up.data, up.contentType); err != nil {
			return mapServiceError(err)
		}
	}

	job, err := s.assets.CreateWithJob(ctx, asset, &models.AuditEntry{
		TenantID: up.tenantID,
		Actor:    auth.Actor(c),
		Action:   models.AuditAssetUploaded,
		Detail:   models.JSONMap{"asset_id": asset.ID, "title": up.title, "bytes": len(up.data)},
	})
	if err != nil {
		return mapServiceError(err)
	}

	// Nudge the worker pool; the DB row is the durable queue, the stream
	// entry only shortens poll latency.
	if _, err := s.ingest.Publish(ctx, stream.IngestionStream, map[string]string{"job_id": job.ID}); err != nil {
		s.logger.Warn("Failed to nudge ingestion queue", "job_id", job.ID, "error", err)
	}

	return c.JSON(http.StatusCreated, map[string]any{"asset": asset, "job": job})
}

// getAssetHandler handles GET .../assets/:asset_id.
func (s *Server) getAssetHandler(c *echo.Context) error {
	asset, err := s.assets.GetAsset(c.Request().Context(), c.Param("tenant_id"), c.Param("asset_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, asset)
}

// listIngestionJobsHandler handles GET .../ingestion-jobs.
func (s *Server) listIngestionJobsHandler(c *echo.Context) error {
	page, pageSize := paginationParams(c)
	jobs, total, err := s.assets.ListJobs(c.Request().Context(), tenantID(c), page, pageSize)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jobs":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// getIngestionJobHandler handles GET .../ingestion-jobs/:job_id.
func (s *Server) getIngestionJobHandler(c *echo.Context) error {
	job, err := s.assets.GetJob(c.Request().Context(), c.Param("tenant_id"), c.Param("job_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// retryIngestionJobHandler handles POST .../ingestion-jobs/:job_id/retry.
func (s *Server) retryIngestionJobHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	job, err := s.assets.RetryJob(c.Request().Context(), tenantID, c.Param("job_id"))
	if err != nil {
		return mapServiceError(err)
	}
	if _, err := s.ingest.Publish(c.Request().Context(), stream.IngestionStream, map[string]string{"job_id": job.ID}); err != nil {
		s.logger.Warn("Failed to nudge ingestion queue", "job_id", job.ID, "error", err)
	}
	return c.JSON(http.StatusOK, job)
}

func paginationParams(c *echo.Context) (page, pageSize int) {
	page, pageSize = 1, 25
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := c.QueryParam("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}
	return page, pageSize
}
