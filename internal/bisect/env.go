package bisect

import (
	"path/filepath"
	"sort"
	"strings"
)

// Environment derives the test environment from base (os.Environ form) so
// that binaries, libraries and SDK lookups resolve into installDir.
func Environment(base []string, installDir, commit, goos string) []string {
	bin := filepath.Join(installDir, "bin")
	lib := filepath.Join(installDir, "lib")
	sep := ":"
	if goos == "windows" {
		sep = ";"
	}

	vars := make(map[string]string, len(base))
	keys := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[normKey(k, goos)] = v
		keys[normKey(k, goos)] = k
	}
	set := func(k, v string) {
		nk := normKey(k, goos)
		vars[nk] = v
		if _, ok := keys[nk]; !ok {
			keys[nk] = k
		}
	}

	path := bin
	if old := vars[normKey("PATH", goos)]; old != "" {
		path += sep + old
	}
	set("PATH", path)
	if goos != "windows" {
		set("LD_LIBRARY_PATH", lib)
	}
	set("ROCM_PATH", installDir)
	set("HIP_PATH", installDir)
	set("THEROCK_DIST_DIR", installDir)
	set("THEROCK_BISECT_COMMIT", commit)

	out := make([]string, 0, len(vars))
	for nk, v := range vars {
		out = append(out, keys[nk]+"="+v)
	}
	sort.Strings(out)
	return out
}

// Windows environment names are case-insensitive.
func normKey(k, goos string) string {
	if goos == "windows" {
		return strings.ToUpper(k)
	}
	return k
}
