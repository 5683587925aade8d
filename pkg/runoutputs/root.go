// Package runoutputs computes where the outputs of one CI workflow run live:
// S3 keys, public URLs and local staging paths. Every function is pure, so
// uploaders, downloaders and the bisector derive identical locations.
//
// Layout of one run root, {external_repo}{run_id}-{platform}:
//
//	{name}_{component}_{family}.tar.xz
//	{name}_{component}_{family}.tar.xz.sha256sum
//	index-{group}.html
//	logs/{group}/...
//	manifests/{group}/therock_manifest.json
package runoutputs

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

const (
	// LocalBucket is the placeholder bucket of local staging roots.
	LocalBucket = "local"

	ManifestFilename          = "therock_manifest.json"
	LogIndexFilename          = "index.html"
	BuildTimeAnalysisFilename = "build_time_analysis.html"
	ArtifactExtension         = ".tar.xz"
	HashSuffix                = ".sha256sum"
)

var ErrValue = errors.New("invalid run output address")

// ValueError rejects an input that would become a malformed or escaping
// path segment.
type ValueError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s: %s %q %s", ErrValue, e.Field, e.Value, e.Msg)
}

func (e *ValueError) Unwrap() error { return ErrValue }

var externalRepoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+-[A-Za-z0-9_.-]+/$`)

// Root is the location of one run's outputs for one platform. It is a
// value type; copy it freely.
type Root struct {
	Bucket       string
	ExternalRepo string
	RunID        string
	Platform     string
}

// NewRoot validates its inputs and returns the root.
func NewRoot(bucket, externalRepo, runID, platform string) (Root, error) {
	if err := checkSegment("bucket", bucket); err != nil {
		return Root{}, err
	}
	if err := checkSegment("run id", runID); err != nil {
		return Root{}, err
	}
	if err := checkSegment("platform", platform); err != nil {
		return Root{}, err
	}
	if externalRepo != "" && (!externalRepoPattern.MatchString(externalRepo) || strings.Contains(externalRepo, "..")) {
		return Root{}, &ValueError{Field: "external repo", Value: externalRepo, Msg: "must look like owner-repo/"}
	}
	return Root{Bucket: bucket, ExternalRepo: externalRepo, RunID: runID, Platform: platform}, nil
}

// ForLocal returns a root for local development. An empty platform means
// the current OS.
func ForLocal(runID, platform string) (Root, error) {
	if runID == "" {
		runID = "local"
	}
	if platform == "" {
		platform = CurrentPlatform()
	}
	return NewRoot(LocalBucket, "", runID, platform)
}

// CurrentPlatform returns the platform token of the running OS.
func CurrentPlatform() string {
	return runtime.GOOS
}

// ValidateGroup checks an artifact group such as "gfx94X-dcgpu".
func ValidateGroup(group string) error {
	return checkSegment("artifact group", group)
}

func checkSegment(field, v string) error {
	switch {
	case v == "":
		return &ValueError{Field: field, Value: v, Msg: "is empty"}
	case strings.ContainsAny(v, `/\`):
		return &ValueError{Field: field, Value: v, Msg: "contains a path separator"}
	case strings.Contains(v, ".."):
		return &ValueError{Field: field, Value: v, Msg: "contains '..'"}
	case strings.ContainsFunc(v, isSpace):
		return &ValueError{Field: field, Value: v, Msg: "contains whitespace"}
	}
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

// Prefix is the key prefix of the run directory, without slashes at
// either end.
func (r Root) Prefix() string {
	return r.ExternalRepo + r.RunID + "-" + r.Platform
}

func (r Root) S3URI() string {
	return "s3://" + r.Bucket + "/" + r.Prefix()
}

func (r Root) HTTPSURL() string {
	return "https://" + r.Bucket + ".s3.amazonaws.com/" + r.Prefix()
}

// LocalPath mirrors the bucket layout under stagingDir.
func (r Root) LocalPath(stagingDir string) string {
	return filepath.Join(stagingDir, filepath.FromSlash(r.Prefix()))
}

// ArtifactFilename returns "{name}_{component}_{family}{ext}". An empty ext
// means ".tar.xz".
func ArtifactFilename(name, component, family, ext string) string {
	if ext == "" {
		ext = ArtifactExtension
	}
	return ArtifactBasename(name, component, family) + ext
}

// ArtifactBasename returns "{name}_{component}_{family}", which is also the
// name of the component directory an archive is built from.
func ArtifactBasename(name, component, family string) string {
	return name + "_" + component + "_" + family
}

// ArtifactInfo is the decoded form of an artifact file name.
type ArtifactInfo struct {
	Name      string
	Component string
	Family    string
	Ext       string
}

// ParseArtifactFilename splits "blas_lib_gfx94X.tar.xz" into its parts.
// Hash sidecars and other files are rejected.
func ParseArtifactFilename(filename string) (ArtifactInfo, bool) {
	var ext string
	for _, e := range []string{".tar.xz", ".tar.zst"} {
		if strings.HasSuffix(filename, e) {
			ext = e
			break
		}
	}
	if ext == "" {
		return ArtifactInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(filename, ext), "_")
	if len(parts) < 3 {
		return ArtifactInfo{}, false
	}
	n := len(parts)
	info := ArtifactInfo{
		Name:      strings.Join(parts[:n-2], "_"),
		Component: parts[n-2],
		Family:    parts[n-1],
		Ext:       ext,
	}
	if info.Name == "" || info.Component == "" || info.Family == "" {
		return ArtifactInfo{}, false
	}
	return info, true
}

// ArtifactKey is the S3 key of the .tar.xz archive of one component. The
// component and family may not contain '_', which separates the parts of
// the file name.
func (r Root) ArtifactKey(name, component, family string) (string, error) {
	if err := checkSegment("artifact name", name); err != nil {
		return "", err
	}
	for _, part := range [][2]string{{"artifact component", component}, {"artifact family", family}} {
		field, v := part[0], part[1]
		if err := checkSegment(field, v); err != nil {
			return "", err
		}
		if strings.Contains(v, "_") {
			return "", &ValueError{Field: field, Value: v, Msg: "contains '_'"}
		}
	}
	return r.ArtifactKeyFor(ArtifactFilename(name, component, family, "")), nil
}

// ArtifactKeyFor is the S3 key of an arbitrary file at the run root.
// Callers pass file names they listed or built themselves.
func (r Root) ArtifactKeyFor(filename string) string {
	return r.Prefix() + "/" + filename
}

func (r Root) ArtifactS3URI(filename string) string {
	return r.S3URI() + "/" + filename
}

func (r Root) ArtifactURL(filename string) string {
	return r.HTTPSURL() + "/" + filename
}

// GroupRoot addresses the outputs a run publishes per artifact group.
type GroupRoot struct {
	Root
	Group string
}

// ForGroup checks group and returns its addresses within the run.
func (r Root) ForGroup(group string) (GroupRoot, error) {
	if err := ValidateGroup(group); err != nil {
		return GroupRoot{}, err
	}
	return GroupRoot{Root: r, Group: group}, nil
}

func (g GroupRoot) ArtifactIndexKey() string {
	return g.Prefix() + "/index-" + g.Group + ".html"
}

func (g GroupRoot) ArtifactIndexS3URI() string {
	return "s3://" + g.Bucket + "/" + g.ArtifactIndexKey()
}

func (g GroupRoot) ArtifactIndexURL() string {
	return g.HTTPSURL() + "/index-" + g.Group + ".html"
}

// Logs

func (g GroupRoot) LogsPrefix() string {
	return g.Prefix() + "/logs/" + g.Group
}

func (g GroupRoot) LogsS3URI() string {
	return "s3://" + g.Bucket + "/" + g.LogsPrefix()
}

func (g GroupRoot) LogsURL() string {
	return g.HTTPSURL() + "/logs/" + g.Group
}

func (g GroupRoot) LogFileKey(filename string) string {
	return g.LogsPrefix() + "/" + filename
}

func (g GroupRoot) LogIndexURL() string {
	return g.LogsURL() + "/" + LogIndexFilename
}

// BuildTimeAnalysisURL is only published by Linux builds.
func (g GroupRoot) BuildTimeAnalysisURL() string {
	return g.LogsURL() + "/" + BuildTimeAnalysisFilename
}

// Manifests

func (g GroupRoot) ManifestsPrefix() string {
	return g.Prefix() + "/manifests/" + g.Group
}

func (g GroupRoot) ManifestKey() string {
	return g.ManifestsPrefix() + "/" + ManifestFilename
}

func (g GroupRoot) ManifestS3URI() string {
	return "s3://" + g.Bucket + "/" + g.ManifestKey()
}

func (g GroupRoot) ManifestURL() string {
	return g.HTTPSURL() + "/manifests/" + g.Group + "/" + ManifestFilename
}

// PythonPackagesPrefix is where wheel builds of a group are staged.
func (g GroupRoot) PythonPackagesPrefix() string {
	return g.Prefix() + "/python/" + g.Group
}
