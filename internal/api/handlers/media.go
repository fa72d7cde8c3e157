package handlers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/ingest"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/pkg/dto"
)

// Pipeline is the part of the coordinator the API drives.
type Pipeline interface {
	Ingest(ctx context.Context, absPath string) (pipeline.IngestResult, error)
	Refinalize(ctx context.Context, hash string) error
	RefinalizeFailed(ctx context.Context, limit int) (int, error)
	Sweep(ctx context.Context) (pipeline.SweepResult, error)
}

type Scanner interface {
	Start(ctx context.Context, dir string, done func(ingest.Stats, error)) error
}

const defaultListLimit = 100

type MediaHandler struct {
	ledger   storage.Ledger
	pipeline Pipeline
	scanner  Scanner
	root     *contentroot.Root
	log      *slog.Logger
}

func NewMediaHandler(ledger storage.Ledger, p Pipeline, scanner Scanner, root *contentroot.Root, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		ledger:   ledger,
		pipeline: p,
		scanner:  scanner,
		root:     root,
		log:      observability.WithComponent(logger, "api"),
	}
}

func (h *MediaHandler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *MediaHandler) Get(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "media not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *MediaHandler) List(c *gin.Context) {
	var q dto.MediaQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	status := models.OverallStatus(q.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown status " + q.Status})
		return
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = defaultListLimit
	}
	records, err := h.ledger.ListByStatus(c.Request.Context(), status, q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []models.MediaRecord{}
	}
	c.JSON(http.StatusOK, dto.MediaListResponse{Media: records, Total: len(records)})
}

// Ingest fingerprints and registers a single file.
func (h *MediaHandler) Ingest(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	path := req.Path
	if !filepath.IsAbs(path) {
		abs, err := h.root.Abs(path)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		path = abs
	}

	res, err := h.pipeline.Ingest(c.Request.Context(), path)
	switch {
	case err == nil:
		status := http.StatusOK
		if res.Outcome == pipeline.IngestNew {
			status = http.StatusCreated
		}
		c.JSON(status, res)
	case errors.Is(err, contentroot.ErrOutsideRoot):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
	case hashing.IsHashError(err):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: err.Error()})
	default:
		h.log.Error("ingest failed", "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
	}
}

// Scan walks a directory under the root in the background.
func (h *MediaHandler) Scan(c *gin.Context) {
	var req dto.ScanRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
	}
	dir := req.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		abs, err := h.root.Abs(dir)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		dir = abs
	}

	err := h.scanner.Start(context.WithoutCancel(c.Request.Context()), dir, nil)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "scanning", "dir": dir})
	case errors.Is(err, ingest.ErrScanRunning):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, contentroot.ErrOutsideRoot):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
	}
}

func (h *MediaHandler) Refinalize(c *gin.Context) {
	hash := c.Param("hash")
	err := h.pipeline.Refinalize(c.Request.Context(), hash)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "content_hash": hash})
	case errors.Is(err, pipeline.ErrNotFinalizable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
	}
}

// RefinalizeFailed requeues finalize for records stuck in ERROR_METADATA.
func (h *MediaHandler) RefinalizeFailed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if limit <= 0 {
		limit = defaultListLimit
	}
	n, err := h.pipeline.RefinalizeFailed(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, dto.RequeueResponse{Queued: n})
}

func (h *MediaHandler) Sweep(c *gin.Context) {
	res, err := h.pipeline.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
