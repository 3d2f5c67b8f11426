// Package artifact implements the Artifact Extractor (component B): after a
// run completes it scans the workspace tree, copies eligible files under the
// task's caps, and computes a checksum + MIME type for each.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

// defaultInclude is the default allowlist of artifact filename globs.
var defaultInclude = []string{
	"*.patch", "*.diff", "*.md", "*.json", "*.yml", "*.yaml", "*.log", "*.txt",
	"*.xml", "*.html", "*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg",
	"*.mp4", "*.webm", "*.zip", "*.tar", "*.gz", "*.har", "*.trace",
}

// excludedDirs lists path components that exclude a file regardless of the
// include pattern.
var excludedDirs = map[string]bool{
	".git": true, ".github": true, "node_modules": true, "bin": true,
	"obj": true, "dist": true, "build": true, ".venv": true, "venv": true,
	"__pycache__": true, ".idea": true, ".vscode": true,
}

var mimeByExt = map[string]string{
	".patch": "text/x-diff", ".diff": "text/x-diff", ".md": "text/markdown",
	".json": "application/json", ".yml": "application/yaml", ".yaml": "application/yaml",
	".log": "text/plain", ".txt": "text/plain", ".xml": "application/xml",
	".html": "text/html", ".png": "image/png", ".jpg": "image/jpeg",
	".jpeg": "image/jpeg", ".gif": "image/gif", ".webp": "image/webp",
	".svg": "image/svg+xml", ".mp4": "video/mp4", ".webm": "video/webm",
	".zip": "application/zip", ".tar": "application/x-tar", ".gz": "application/gzip",
	".har": "application/json", ".trace": "application/octet-stream",
}

// candidate is a file found during the scan, before the cap cut.
type candidate struct {
	absPath string
	relPath string
	size    int64
}

// Extractor scans a run's workspace and copies eligible files into the
// artifact store, one subtree per run-id.
type Extractor struct {
	StoreRoot string
	Logger    *slog.Logger
}

// Extract walks workspaceRoot, applies the allow/deny rules and the policy's
// caps, copies surviving files under e.StoreRoot/<run-id>/, and returns the
// resulting Artifact records. It never returns an error for a single bad
// file — such files are skipped and logged.
func (e *Extractor) Extract(runID, workspaceRoot string, policy model.ArtifactPolicy) ([]model.Artifact, error) {
	include := defaultInclude
	if len(policy.Include) > 0 {
		include = policy.Include
	}
	maxArtifacts := policy.MaxArtifacts
	if maxArtifacts <= 0 {
		maxArtifacts = 100
	}

	candidates, err := e.scan(workspaceRoot, include, policy.Exclude)
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })

	destRoot := filepath.Join(e.StoreRoot, runID)
	var artifacts []model.Artifact
	var totalBytes int64

	for _, c := range candidates {
		if len(artifacts) >= maxArtifacts {
			break
		}
		if policy.MaxTotalBytes > 0 && totalBytes+c.size > policy.MaxTotalBytes {
			continue
		}

		checksum, copyErr := e.copyAndChecksum(c, destRoot)
		if copyErr != nil {
			if e.Logger != nil {
				e.Logger.Warn("skipping unreadable artifact candidate", "path", c.relPath, "error", copyErr)
			}
			continue
		}

		artifacts = append(artifacts, model.Artifact{
			RunID:    runID,
			Filename: filepath.Base(c.relPath),
			RelPath:  c.relPath,
			Size:     c.size,
			SHA256:   checksum,
			MIMEType: mimeFor(c.relPath),
		})
		totalBytes += c.size
	}

	return artifacts, nil
}

func (e *Extractor) scan(root string, include, extraExclude []string) ([]candidate, error) {
	var out []candidate
	denylist := make(map[string]bool, len(excludedDirs)+len(extraExclude))
	for k := range excludedDirs {
		denylist[k] = true
	}
	for _, d := range extraExclude {
		denylist[d] = true
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if e.Logger != nil {
				e.Logger.Warn("skipping unreadable path during artifact scan", "path", path, "error", walkErr)
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		for _, p := range parts {
			if denylist[p] {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		if !matchesAny(include, filepath.Base(rel)) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			if e.Logger != nil {
				e.Logger.Warn("skipping unreadable artifact candidate", "path", rel, "error", infoErr)
			}
			return nil
		}
		out = append(out, candidate{absPath: path, relPath: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (e *Extractor) copyAndChecksum(c candidate, destRoot string) (string, error) {
	src, err := os.Open(c.absPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	destPath := filepath.Join(destRoot, filepath.FromSlash(c.relPath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer dest.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dest, h), src); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeFor(relPath string) string {
	ext := strings.ToLower(filepath.Ext(relPath))
	if mime, ok := mimeByExt[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}
