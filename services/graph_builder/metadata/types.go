// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata describes the upstream Fedora CoreOS documents consumed by
// the graph builder and provides fetchers for them.
//
// # Documents
//
// Two documents are scraped per update stream:
//
//   - releases.json: the release index, oldest release first. Each entry
//     lists per-architecture OSTree commit checksums and, for newer
//     releases, per-architecture OCI image digests.
//   - updates.json: the updates policy, carrying per-version overrides
//     (dead ends, barriers, progressive rollouts).
//
// The types here are plain data. All graph logic lives in the graph package.
package metadata

// =============================================================================
// Graph Node Metadata Keys
// =============================================================================

const (
	// AgeIndex is the position of a release in the upstream release index.
	AgeIndex = "org.fedoraproject.coreos.releases.age_index"

	// Scheme is the payload scheme of a node, either SchemeChecksum or SchemeOCI.
	Scheme = "org.fedoraproject.coreos.scheme"

	// Barrier marks a release all clients must go through.
	Barrier = "org.fedoraproject.coreos.updates.barrier"

	// BarrierReason is the free-text reason attached to Barrier.
	BarrierReason = "org.fedoraproject.coreos.updates.barrier_reason"

	// Deadend marks a release clients must not stay on.
	Deadend = "org.fedoraproject.coreos.updates.deadend"

	// DeadendReason is the free-text reason attached to Deadend.
	DeadendReason = "org.fedoraproject.coreos.updates.deadend_reason"

	// Rollout marks a release under progressive rollout.
	Rollout = "org.fedoraproject.coreos.updates.rollout"

	// StartEpoch is the rollout start, in seconds since the Unix epoch.
	StartEpoch = "org.fedoraproject.coreos.updates.start_epoch"

	// StartValue is the rollout start percentage, in [0.0, 1.0].
	StartValue = "org.fedoraproject.coreos.updates.start_value"

	// Duration is the rollout duration in minutes.
	Duration = "org.fedoraproject.coreos.updates.duration_minutes"
)

const (
	// SchemeChecksum identifies OSTree commit payloads.
	SchemeChecksum = "checksum"

	// SchemeOCI identifies OCI image digest payloads.
	SchemeOCI = "oci"

	// GenericReason is used when a deadend or barrier carries no reason.
	GenericReason = "generic"
)

// =============================================================================
// Release Index
// =============================================================================

// ReleasesJSON is the top-level release index document.
type ReleasesJSON struct {
	Releases []Release `json:"releases"`
}

// Release is a single entry of the release index.
//
// OCIImages is nil for releases published before OCI images existed; such
// releases are never part of an OCI-scoped graph.
type Release struct {
	Version   string            `json:"version"`
	Commits   []ReleaseCommit   `json:"commits"`
	OCIImages []ReleaseOCIImage `json:"oci-images,omitempty"`
}

// ReleaseCommit is an OSTree commit for one architecture.
type ReleaseCommit struct {
	Architecture string `json:"architecture"`
	Checksum     string `json:"checksum"`
}

// ReleaseOCIImage is a container image for one architecture.
type ReleaseOCIImage struct {
	Architecture string `json:"architecture"`
	Image        string `json:"image"`
	DigestRef    string `json:"digest-ref"`
}

// =============================================================================
// Updates Policy
// =============================================================================

// UpdatesJSON is the updates policy document for one stream.
type UpdatesJSON struct {
	Stream   string          `json:"stream"`
	Releases []ReleaseUpdate `json:"releases"`
}

// ReleaseUpdate holds the policy overrides for one version.
type ReleaseUpdate struct {
	Version  string         `json:"version"`
	Metadata UpdateMetadata `json:"metadata"`
}

// UpdateMetadata groups the optional overrides. Each one is independent.
type UpdateMetadata struct {
	Barrier *UpdateBarrier `json:"barrier,omitempty"`
	Deadend *UpdateDeadend `json:"deadend,omitempty"`
	Rollout *UpdateRollout `json:"rollout,omitempty"`
}

// UpdateBarrier declares a barrier.
type UpdateBarrier struct {
	Reason string `json:"reason"`
}

// UpdateDeadend declares a dead end.
type UpdateDeadend struct {
	Reason string `json:"reason"`
}

// UpdateRollout declares a progressive rollout. All fields are optional and
// are passed through to clients untouched.
type UpdateRollout struct {
	StartEpoch      *int64   `json:"start_epoch,omitempty"`
	StartPercentage *float64 `json:"start_percentage,omitempty"`
	DurationMinutes *uint64  `json:"duration_minutes,omitempty"`
}

// ByVersion indexes the policy entries by version.
//
// When a version appears more than once the overrides are merged, later
// entries winning per field, so that every declared override still applies.
func (u UpdatesJSON) ByVersion() map[string]UpdateMetadata {
	index := make(map[string]UpdateMetadata, len(u.Releases))
	for _, entry := range u.Releases {
		merged := index[entry.Version]
		if entry.Metadata.Barrier != nil {
			merged.Barrier = entry.Metadata.Barrier
		}
		if entry.Metadata.Deadend != nil {
			merged.Deadend = entry.Metadata.Deadend
		}
		if entry.Metadata.Rollout != nil {
			merged.Rollout = entry.Metadata.Rollout
		}
		index[entry.Version] = merged
	}
	return index
}
