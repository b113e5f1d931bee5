// Package sandbox validates and resolves a job's requested output
// directory against a configured data root.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathViolation is returned for any output_dir that escapes the
// sandbox root.
type ErrPathViolation struct {
	OutputDir string
	Reason    string
}

func (e *ErrPathViolation) Error() string {
	return fmt.Sprintf("path violation: output_dir=%q: %s", e.OutputDir, e.Reason)
}

// Resolve validates outputDir against dataRoot and returns the final
// absolute path all of a job's writes must live under.
func Resolve(dataRoot, outputDir string) (string, error) {
	if filepath.IsAbs(outputDir) {
		return "", &ErrPathViolation{OutputDir: outputDir, Reason: "absolute paths are not allowed"}
	}
	if strings.ContainsRune(outputDir, 0) {
		return "", &ErrPathViolation{OutputDir: outputDir, Reason: "contains a NUL byte"}
	}

	cleaned := filepath.Clean(outputDir)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return "", &ErrPathViolation{OutputDir: outputDir, Reason: "contains a .. segment"}
		}
	}

	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return "", fmt.Errorf("resolve data root: %w", err)
	}
	final := filepath.Join(absRoot, cleaned)

	rel, err := filepath.Rel(absRoot, final)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrPathViolation{OutputDir: outputDir, Reason: "resolves outside data_root"}
	}

	// The lexical check above can't catch a symlink planted inside
	// data_root that points outside it: the string path still looks
	// contained even though the filesystem would resolve it elsewhere.
	// Re-check with realpath over whatever prefix of final already
	// exists on disk (resolveExistingSymlinks tolerates the
	// not-yet-created trailing components a fresh job's output_dir has).
	realRoot, err := resolveExistingSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve data root: %w", err)
	}
	realFinal, err := resolveExistingSymlinks(final)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}
	realRel, err := filepath.Rel(realRoot, realFinal)
	if err != nil || realRel == ".." || strings.HasPrefix(realRel, ".."+string(filepath.Separator)) {
		return "", &ErrPathViolation{OutputDir: outputDir, Reason: "resolves outside data_root via a symlink"}
	}

	return final, nil
}

// resolveExistingSymlinks returns path with every symlink in its longest
// existing ancestor resolved, leaving any not-yet-created trailing
// components untouched. filepath.EvalSymlinks alone can't be used
// directly here because a job's output_dir is often created fresh and
// doesn't exist yet at validation time.
func resolveExistingSymlinks(path string) (string, error) {
	path = filepath.Clean(path)
	if _, err := os.Lstat(path); err == nil {
		return filepath.EvalSymlinks(path)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		// reached the filesystem root without finding an existing
		// ancestor; nothing left to resolve.
		return path, nil
	}
	resolvedParent, err := resolveExistingSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}
