package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/your-org/mediaflow/internal/identity"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/queue"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/pkg/dto"
)

// IndexControl is the identity index surface the API exposes.
type IndexControl interface {
	Invalidate()
	Rebuild(ctx context.Context) error
	Size() int
	Threshold() float64
}

type Clusterer interface {
	ClusterAll(ctx context.Context) (identity.Result, error)
	Running() bool
}

type Notifier interface {
	Notify(ctx context.Context, ev queue.Event)
}

const defaultFaceSample = 50

type IdentityHandler struct {
	ledger    storage.Ledger
	index     IndexControl
	clusterer Clusterer
	notifier  Notifier
	log       *slog.Logger
}

func NewIdentityHandler(ledger storage.Ledger, index IndexControl, clusterer Clusterer, notifier Notifier, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{
		ledger:    ledger,
		index:     index,
		clusterer: clusterer,
		notifier:  notifier,
		log:       observability.WithComponent(logger, "api"),
	}
}

func clusterParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid identity id"})
		return 0, false
	}
	return id, true
}

func (h *IdentityHandler) List(c *gin.Context) {
	identities, err := h.ledger.ListIdentities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if identities == nil {
		identities = []models.Identity{}
	}
	c.JSON(http.StatusOK, dto.IdentityListResponse{Identities: identities, Total: len(identities)})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	id, ok := clusterParam(c)
	if !ok {
		return
	}
	ident, err := h.ledger.GetIdentity(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if ident == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: storage.ErrIdentityNotFound.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("faces", strconv.Itoa(defaultFaceSample)))
	if limit <= 0 {
		limit = defaultFaceSample
	}
	faces, err := h.ledger.ListFaces(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if faces == nil {
		faces = []models.FaceView{}
	}
	c.JSON(http.StatusOK, dto.IdentityResponse{Identity: *ident, Faces: faces})
}

// Rename labels an identity. Naming it after an existing identity merges the
// two.
func (h *IdentityHandler) Rename(c *gin.Context) {
	id, ok := clusterParam(c)
	if !ok {
		return
	}
	var req dto.RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	res, err := h.ledger.RenameIdentity(c.Request.Context(), id, strings.TrimSpace(req.Name))
	switch {
	case errors.Is(err, storage.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, storage.ErrEmptyName):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	if res.Merged {
		h.index.Invalidate()
	}
	h.log.Info("identity renamed", "cluster_id", id, "target", res.ClusterID, "merged", res.Merged, "faces_moved", res.FacesMoved)
	h.notifier.Notify(c.Request.Context(), queue.NewEvent(queue.EventIdentityRenamed, "", gin.H{
		"cluster_id": id,
		"target":     res.ClusterID,
		"name":       strings.TrimSpace(req.Name),
		"merged":     res.Merged,
	}))
	c.JSON(http.StatusOK, res)
}

// Cluster starts a full re-clustering pass. With wait=true the request
// blocks until the pass finishes.
func (h *IdentityHandler) Cluster(c *gin.Context) {
	if h.clusterer.Running() {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: identity.ErrClusteringInProgress.Error()})
		return
	}
	if c.Query("wait") == "true" {
		res, err := h.cluster(c.Request.Context())
		switch {
		case errors.Is(err, identity.ErrClusteringInProgress):
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusOK, res)
		}
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if _, err := h.cluster(ctx); err != nil {
			h.log.Error("background clustering failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "clustering"})
}

func (h *IdentityHandler) cluster(ctx context.Context) (identity.Result, error) {
	res, err := h.clusterer.ClusterAll(ctx)
	if err != nil {
		return res, err
	}
	h.notifier.Notify(ctx, queue.NewEvent(queue.EventClusteringFinished, "", res))
	return res, nil
}

func (h *IdentityHandler) IndexStatus(c *gin.Context) {
	c.JSON(http.StatusOK, dto.IndexResponse{Size: h.index.Size(), Threshold: h.index.Threshold()})
}

func (h *IdentityHandler) RebuildIndex(c *gin.Context) {
	h.index.Invalidate()
	if err := h.index.Rebuild(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.IndexResponse{Size: h.index.Size(), Threshold: h.index.Threshold()})
}
