package domain

import "time"

// VersionStatus is the training lifecycle status of a model version.
type VersionStatus string

const (
	VersionTraining VersionStatus = "training"
	VersionTrained  VersionStatus = "trained"
	VersionReady    VersionStatus = "ready"
	VersionArchived VersionStatus = "archived"
)

// Deployable reports whether the version may be taken to traffic.
func (s VersionStatus) Deployable() bool {
	return s == VersionTrained || s == VersionReady
}

// ModelVersion is a read-only view of a trained model version. Version
// metadata is owned by an external registry; this subsystem only consults it.
type ModelVersion struct {
	ID          string
	ModelID     string
	Status      VersionStatus
	ArtifactURI string
	CreatedAt   time.Time
}
