package models

import (
	"time"
)

type OverallStatus string

const (
	StatusPending             OverallStatus = "PENDING"
	StatusProcessingDetection OverallStatus = "PROCESSING_DETECTION"
	StatusProcessingVLM       OverallStatus = "PROCESSING_VLM"
	StatusCompleted           OverallStatus = "COMPLETED"
	StatusErrorMetadata       OverallStatus = "ERROR_METADATA"
	StatusSkipped             OverallStatus = "SKIPPED"
)

func (s OverallStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessingDetection, StatusProcessingVLM,
		StatusCompleted, StatusErrorMetadata, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether the status blocks stage re-entry.
func (s OverallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusErrorMetadata || s == StatusSkipped
}

type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageProcessing StageStatus = "PROCESSING"
	StageCompleted  StageStatus = "COMPLETED"
)

// Stage identifies one of the two independently completing sub-stages of a record.
type Stage string

const (
	StageDetection Stage = "detection"
	StageCaption   Stage = "caption"
)

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

type MediaRecord struct {
	ContentHash       string           `json:"content_hash" db:"content_hash"`
	SourcePath        string           `json:"source_path" db:"source_path"`
	Status            OverallStatus    `json:"status" db:"status"`
	DetectionStatus   StageStatus      `json:"detection_status" db:"detection_status"`
	CaptionStatus     StageStatus      `json:"caption_status" db:"caption_status"`
	Detection         *DetectionResult `json:"detection_result,omitempty" db:"detection_data"`
	Caption           *CaptionResult   `json:"caption_result,omitempty" db:"caption_data"`
	Narrative         string           `json:"narrative,omitempty" db:"narrative"`
	Keywords          []string         `json:"keywords,omitempty" db:"keywords"`
	ErrorMessage      string           `json:"error_message,omitempty" db:"error_message"`
	DetectionStarted  *time.Time       `json:"detection_started_at,omitempty" db:"detection_started_at"`
	CaptionStarted    *time.Time       `json:"caption_started_at,omitempty" db:"caption_started_at"`
	FinalizeClaimedAt *time.Time       `json:"finalize_claimed_at,omitempty" db:"finalize_claimed_at"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	LastUpdated       time.Time        `json:"last_updated" db:"last_updated"`
}

// SubStatus returns the sub-status of the given stage.
func (r *MediaRecord) SubStatus(stage Stage) StageStatus {
	if stage == StageCaption {
		return r.CaptionStatus
	}
	return r.DetectionStatus
}

// Joined reports whether both sub-stages are complete.
func (r *MediaRecord) Joined() bool {
	return r.DetectionStatus == StageCompleted && r.CaptionStatus == StageCompleted
}

// DetectionResult is the stored outcome of the detection stage. Face embeddings
// are not kept here; unmatched faces live in the face table.
type DetectionResult struct {
	Status      string    `json:"status"`
	Kind        MediaKind `json:"kind"`
	Objects     []string  `json:"objects"`
	FaceCount   int       `json:"face_count"`
	NewFaces    int       `json:"new_faces"`
	KnownPeople []string  `json:"known_people"`
}

type CaptionResult struct {
	Narrative string   `json:"narrative"`
	Keywords  []string `json:"keywords"`
	Degraded  bool     `json:"degraded,omitempty"`
}

type Stats struct {
	Total           int                   `json:"total"`
	Processed       int                   `json:"processed"`
	Pending         int                   `json:"pending"`
	ByStatus        map[OverallStatus]int `json:"by_status"`
	Faces           int                   `json:"faces"`
	UnassignedFaces int                   `json:"unassigned_faces"`
	Identities      int                   `json:"identities"`
}
