package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HashFile returns the lowercase hex SHA-256 of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadSidecar parses a "<hex>  <name>" hash file. The name is optional.
func ReadSidecar(hashPath string) (digest, name string, err error) {
	data, err := os.ReadFile(hashPath)
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", "", fmt.Errorf("empty hash file %s", hashPath)
	}
	digest = strings.ToLower(fields[0])
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
		return "", "", fmt.Errorf("malformed hash file %s", hashPath)
	}
	if len(fields) > 1 {
		name = strings.TrimPrefix(fields[1], "*")
	}
	return digest, name, nil
}

// VerifySidecar recomputes the archive hash and compares it with the
// sidecar. A mismatch is reported as *HashMismatchError.
func VerifySidecar(archivePath, hashPath string) error {
	if hashPath == "" {
		hashPath = archivePath + SidecarSuffix
	}
	expected, _, err := ReadSidecar(hashPath)
	if err != nil {
		return err
	}
	actual, err := HashFile(archivePath)
	if err != nil {
		return err
	}
	if actual != expected {
		return &HashMismatchError{Path: archivePath, Expected: expected, Actual: actual}
	}
	return nil
}

func writeSidecar(hashPath, digest, name string) error {
	if err := os.MkdirAll(filepath.Dir(hashPath), 0o755); err != nil {
		return err
	}
	tmp := hashPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest+"  "+name+"\n"), 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, hashPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
