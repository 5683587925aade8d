package runoutputs

import (
	"strings"
	"time"
)

const (
	MainRepository = "ROCm/TheRock"

	BucketCI              = "therock-ci-artifacts"
	BucketCIExternal      = "therock-ci-artifacts-external"
	BucketInternal        = "therock-artifacts-internal"
	BucketLegacy          = "therock-artifacts"
	BucketLegacyExternal  = "therock-artifacts-external"
	internalReleasesRepo  = "therock-releases-internal"
	internalReleasesOwner = "ROCm"
)

// BucketCutover is the moment CI switched from the legacy buckets. Runs
// last updated at or before it keep their legacy locations.
var BucketCutover = time.Date(2025, time.November, 11, 16, 18, 48, 0, time.UTC)

// BucketQuery carries everything bucket selection depends on.
type BucketQuery struct {
	// Repository in owner/repo form. Empty means MainRepository.
	Repository   string
	IsPRFromFork bool
	// ReleaseType such as "nightly" or "release" selects a release bucket.
	ReleaseType string
	// RunUpdatedAt is zero when the run is unknown; legacy buckets are then
	// never chosen.
	RunUpdatedAt time.Time
}

// SelectBucket returns the external repo prefix and bucket for a run.
func SelectBucket(q BucketQuery) (externalRepo, bucket string, err error) {
	repository := q.Repository
	if repository == "" {
		repository = MainRepository
	}
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", &ValueError{Field: "repository", Value: repository, Msg: "must be owner/repo"}
	}

	isMain := repository == MainRepository && !q.IsPRFromFork
	if !isMain {
		externalRepo = owner + "-" + repo + "/"
	}
	legacy := !q.RunUpdatedAt.IsZero() && !q.RunUpdatedAt.After(BucketCutover)

	switch {
	case q.ReleaseType != "":
		bucket = "therock-" + q.ReleaseType + "-artifacts"
	case isMain && legacy:
		bucket = BucketLegacy
	case isMain:
		bucket = BucketCI
	case owner == internalReleasesOwner && repo == internalReleasesRepo && !q.IsPRFromFork:
		bucket = BucketInternal
	case legacy:
		bucket = BucketLegacyExternal
	default:
		bucket = BucketCIExternal
	}
	return externalRepo, bucket, nil
}

// FromWorkflowRun builds the root of a CI run.
func FromWorkflowRun(runID, platform string, q BucketQuery) (Root, error) {
	externalRepo, bucket, err := SelectBucket(q)
	if err != nil {
		return Root{}, err
	}
	return NewRoot(bucket, externalRepo, runID, platform)
}
