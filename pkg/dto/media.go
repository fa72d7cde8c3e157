package dto

import "github.com/your-org/mediaflow/internal/models"

// IngestRequest submits one file. Path may be absolute or relative to the
// content root.
type IngestRequest struct {
	Path string `json:"path" binding:"required"`
}

type ScanRequest struct {
	Dir string `json:"dir"`
}

type MediaQuery struct {
	Status string `form:"status" binding:"required"`
	Limit  int    `form:"limit"`
}

type MediaListResponse struct {
	Media []models.MediaRecord `json:"media"`
	Total int                  `json:"total"`
}

type RequeueResponse struct {
	Queued int `json:"queued"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
