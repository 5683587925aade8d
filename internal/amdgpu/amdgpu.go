// Package amdgpu names AMD GPU targets and families the way artifact file
// names and run-output groups spell them.
package amdgpu

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Generic is the family of artifacts that do not depend on a GPU target.
	Generic = "generic"
	// BundleAny marks slices built once for every target.
	BundleAny = "any"
)

var familyPattern = regexp.MustCompile(`^gfx[0-9a-fA-FxX]+$`)

// ValidFamily reports whether s can appear as the family token of an
// artifact file name.
func ValidFamily(s string) bool {
	return s == Generic || familyPattern.MatchString(s)
}

// BundleFamily maps a slice bundle to the family used in output names.
func BundleFamily(bundle string) string {
	if bundle == "" || bundle == BundleAny {
		return Generic
	}
	return bundle
}

// FamilyFromGroup strips the variant suffix of an artifact group,
// "gfx94X-dcgpu" -> "gfx94X".
func FamilyFromGroup(group string) string {
	family, _, _ := strings.Cut(group, "-")
	return family
}

// FamilyForTarget maps a concrete target to its family: "gfx942" -> "gfx94X".
// Targets that are already families are returned unchanged.
func FamilyForTarget(target string) string {
	if len(target) < 5 || strings.HasSuffix(target, "X") {
		return target
	}
	return target[:len(target)-1] + "X"
}

// TargetFromVersion decodes a KFD gfx_target_version such as 90402 or 90010.
func TargetFromVersion(v int) (string, error) {
	if v <= 0 {
		return "", fmt.Errorf("invalid gfx_target_version %d", v)
	}
	major, minor, stepping := v/10000, (v/100)%100, v%100
	if minor > 15 || stepping > 15 {
		return "", fmt.Errorf("invalid gfx_target_version %d", v)
	}
	return fmt.Sprintf("gfx%d%x%x", major, minor, stepping), nil
}
