package amdgpu

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultTopologyRoot is where the amdgpu kernel driver publishes agents.
const DefaultTopologyRoot = "/sys/class/kfd/kfd/topology/nodes"

// Detector finds the GPU targets present on this host.
type Detector struct {
	root   string
	logger *zap.Logger
}

func NewDetector(root string, logger *zap.Logger) *Detector {
	if root == "" {
		root = DefaultTopologyRoot
	}
	return &Detector{root: root, logger: logger.Named("amdgpu")}
}

// Targets returns the sorted, de-duplicated targets of every GPU node. CPU
// nodes report a zero gfx_target_version and are ignored. A host without
// the driver yields no targets and no error.
func (d *Detector) Targets() ([]string, error) {
	nodes, err := filepath.Glob(filepath.Join(d.root, "*", "properties"))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, props := range nodes {
		v, err := readTargetVersion(props)
		if err != nil {
			d.logger.Debug("skipping topology node", zap.String("path", props), zap.Error(err))
			continue
		}
		if v == 0 {
			continue
		}
		target, err := TargetFromVersion(v)
		if err != nil {
			d.logger.Warn("unrecognized GPU", zap.String("path", props), zap.Error(err))
			continue
		}
		seen[target] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Family returns the family of the first detected target, or "" when no GPU
// is present.
func (d *Detector) Family() (string, error) {
	targets, err := d.Targets()
	if err != nil || len(targets) == 0 {
		return "", err
	}
	family := FamilyForTarget(targets[0])
	d.logger.Info("detected GPU", zap.Strings("targets", targets), zap.String("family", family))
	return family, nil
}

func readTargetVersion(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), " ")
		if ok && key == "gfx_target_version" {
			return strconv.Atoi(strings.TrimSpace(value))
		}
	}
	return 0, scanner.Err()
}
