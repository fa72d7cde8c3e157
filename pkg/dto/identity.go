package dto

import "github.com/your-org/mediaflow/internal/models"

type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

type IdentityListResponse struct {
	Identities []models.Identity `json:"identities"`
	Total      int               `json:"total"`
}

// IdentityResponse is an identity with a sample of its faces.
type IdentityResponse struct {
	models.Identity
	Faces []models.FaceView `json:"faces"`
}

type IndexResponse struct {
	Size      int     `json:"size"`
	Threshold float64 `json:"threshold"`
}
