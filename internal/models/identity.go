package models

import "time"

// UnassignedCluster marks a face that no clustering pass has grouped yet.
const UnassignedCluster int64 = -1

const DefaultDisplayName = "Unknown"

type FaceRecord struct {
	FaceID      int64     `json:"face_id" db:"face_id"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	FaceIndex   int       `json:"face_index" db:"face_index"`
	Embedding   []float32 `json:"embedding,omitempty" db:"embedding"`
	ClusterID   int64     `json:"cluster_id" db:"cluster_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FaceView is a face joined with the location of its owning media.
type FaceView struct {
	FaceID      int64  `json:"face_id"`
	ContentHash string `json:"content_hash"`
	SourcePath  string `json:"source_path"`
	ClusterID   int64  `json:"cluster_id"`
}

type Identity struct {
	ClusterID   int64     `json:"cluster_id" db:"cluster_id"`
	DisplayName string    `json:"display_name" db:"name"`
	FaceCount   int       `json:"face_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Named reports whether an operator has labelled the identity.
func (i Identity) Named() bool {
	return i.DisplayName != "" && i.DisplayName != DefaultDisplayName
}

// FaceWatermark summarises the faces table so a cached index can tell whether
// faces were added or removed since it was built.
type FaceWatermark struct {
	Count int64
	MaxID int64
}

// ClusterAssignment is one row of a clustering write-back.
type ClusterAssignment struct {
	FaceID    int64
	ClusterID int64
}
