package fileset

import "github.com/ROCm/therock-tools/internal/descriptor"

// Defaults are patterns merged into every rule of a component.
type Defaults struct {
	Includes []string
	Excludes []string
}

// runPatterns must stay in sync between the "run" includes and the "dev"
// excludes so the two components never claim the same file.
var runPatterns = []string{
	"**/*.exe",
	"**/*.dll",
	"**/*.dylib",
	"**/*.dylib.*",
	"**/*.so",
	"**/*.so.*",
	"**/share/modulefiles/**",
}

// StandardDefaults returns the per-component patterns used by TheRock
// descriptors, which lets most descriptor sections stay empty.
func StandardDefaults() map[string]Defaults {
	return map[string]Defaults{
		descriptor.ComponentDbg: {
			Includes: []string{"**/*.dbg"},
		},
		descriptor.ComponentRun: {
			Includes: append([]string(nil), runPatterns...),
			Excludes: []string{"**/*.a", "**/*.dbg", "**/cmake/**"},
		},
		descriptor.ComponentDev: {
			Includes: []string{"**/*.a", "**/cmake/**", "**/include/**"},
			Excludes: append([]string(nil), runPatterns...),
		},
		descriptor.ComponentDoc: {
			Includes: []string{"**/share/doc/**"},
		},
	}
}
