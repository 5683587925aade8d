package bisect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
)

const (
	installDirName  = "install"
	archivesDirName = "archives"
	completeMarker  = ".complete"
)

// commitCache keeps one directory per commit SHA:
//
//	<dir>/<sha>/install/     flattened tree handed to the test
//	<dir>/<sha>/archives/    downloaded archives and sidecars
//	<dir>/<sha>/.complete    written last
//
// Entries are assembled in a temporary sibling and renamed into place, so a
// cancelled fill leaves nothing behind that looks complete.
type commitCache struct {
	dir    string
	logger *zap.Logger
}

func (c *commitCache) entry(commit string) string {
	return filepath.Join(c.dir, commit)
}

func (c *commitCache) installDir(commit string) string {
	return filepath.Join(c.entry(commit), installDirName)
}

// lookup reports whether a complete entry exists. Entries whose archives no
// longer match their sidecars, and incomplete leftovers, are deleted.
func (c *commitCache) lookup(commit string) (bool, error) {
	entry := c.entry(commit)
	if _, err := os.Stat(filepath.Join(entry, completeMarker)); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		if err := os.RemoveAll(entry); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := verifyArchives(filepath.Join(entry, archivesDirName)); err != nil {
		c.logger.Warn("cached artifacts are corrupt, discarding",
			zap.String("commit", commit),
			zap.Error(err))
		if err := os.RemoveAll(entry); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func verifyArchives(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, archive.SidecarSuffix) {
			continue
		}
		// A missing sidecar fails too, so the entry is fetched again.
		if err := archive.VerifySidecar(filepath.Join(dir, name), ""); err != nil {
			return err
		}
	}
	return nil
}

// begin creates the temporary directory an entry is assembled in.
func (c *commitCache) begin(commit string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return os.MkdirTemp(c.dir, "."+commit+".tmp-*")
}

// commit marks tmp complete and moves it into place.
func (c *commitCache) commit(commit, tmp, note string) error {
	if err := os.WriteFile(filepath.Join(tmp, completeMarker), []byte(note+"\n"), 0o644); err != nil {
		return err
	}
	entry := c.entry(commit)
	if err := os.RemoveAll(entry); err != nil {
		return err
	}
	return os.Rename(tmp, entry)
}
