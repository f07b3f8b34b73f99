// Package review implements branch-review batching: turning a git diff
// against a base ref into size-bounded batches, running one review turn per
// batch, and consolidating the accumulated findings into a single pass.
package review

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
)

// NumstatRow is one line of `git diff --numstat`.
type NumstatRow struct {
	Path    string
	Added   int
	Deleted int
}

// Batch is a group of files to review together in one turn.
type Batch struct {
	Files        []NumstatRow
	TotalAdded   int
	TotalDeleted int
}

// ChunkLimits bounds how many files and lines a batch may hold.
type ChunkLimits struct {
	SmallFilesCap           int
	LargeFilesCap           int
	LargeFileThresholdLines int
	MaxLines                int
}

// CollectBranchNumstat runs `git diff --numstat base...HEAD` and parses the
// output, dropping low-value paths (lockfiles, vendor directories, docs,
// binaries). A non-zero exit that isn't git's "differences found" code (1)
// yields an empty result rather than an error, matching the tolerant
// best-effort behavior of the review flow.
func CollectBranchNumstat(ctx context.Context, base string) ([]NumstatRow, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--numstat", fmt.Sprintf("%s...HEAD", base))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// git diff exits 1 when differences exist under some configs; fall
			// through and parse whatever stdout was captured.
		} else {
			return nil, nil
		}
	}

	var rows []NumstatRow
	for _, line := range strings.Split(stdout.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		filePath := strings.Join(fields[2:], " ")
		if filePath == "" {
			continue
		}
		if isJunkPath(filePath) {
			continue
		}
		rows = append(rows, NumstatRow{Path: filePath, Added: added, Deleted: deleted})
	}
	return rows, nil
}

var lockfiles = []string{
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "cargo.lock",
	"gemfile.lock", "pipfile.lock", "poetry.lock", "composer.lock", "podfile.lock",
}

var junkDirs = []string{
	"node_modules/", "vendor/", "dist/", "build/", "target/",
	".next/", ".cache/", "out/", "coverage/",
}

var docExts = []string{".md", ".mdx", ".rst", ".adoc"}

var docFiles = []string{"changelog", "changes", "license", "copying", "readme"}

var binExts = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".bmp", ".svg", ".pdf",
	".mp4", ".mov", ".zip", ".tar", ".gz", ".tgz", ".7z", ".woff", ".woff2", ".ttf",
}

func isJunkPath(p string) bool {
	lower := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))

	for _, f := range lockfiles {
		if strings.HasSuffix(lower, f) {
			return true
		}
	}
	for _, d := range junkDirs {
		if strings.HasPrefix(lower, d) || strings.Contains(lower, "/"+d) {
			return true
		}
	}
	for _, ext := range docExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	base := path.Base(lower)
	for _, name := range docFiles {
		if base == name || strings.HasSuffix(lower, "/"+name) {
			return true
		}
	}
	if strings.HasSuffix(lower, ".min.js") || strings.HasSuffix(lower, ".map") {
		return true
	}
	for _, ext := range binExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ScoreAndChunk sorts rows by lines changed descending (path ascending to
// break ties), then greedily packs them into batches under the given
// limits: a batch containing or about to receive a "large" file (more lines
// than LargeFileThresholdLines) is capped at LargeFilesCap files; otherwise
// SmallFilesCap applies. Every batch also respects MaxLines.
func ScoreAndChunk(rows []NumstatRow, limits ChunkLimits) []Batch {
	sorted := append([]NumstatRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li := sorted[i].Added + sorted[i].Deleted
		lj := sorted[j].Added + sorted[j].Deleted
		if li != lj {
			return li > lj
		}
		return sorted[i].Path < sorted[j].Path
	})

	var out []Batch
	cur := Batch{}
	curContainsLarge := false

	for _, row := range sorted {
		rowLines := row.Added + row.Deleted
		projectedFiles := len(cur.Files) + 1
		projectedLines := cur.TotalAdded + cur.TotalDeleted + rowLines

		effectiveCap := limits.SmallFilesCap
		if curContainsLarge || rowLines > limits.LargeFileThresholdLines {
			effectiveCap = limits.LargeFilesCap
		}

		if len(cur.Files) > 0 && (projectedFiles > effectiveCap || projectedLines > limits.MaxLines) {
			out = append(out, cur)
			cur = Batch{}
			curContainsLarge = false
		}

		cur.TotalAdded += row.Added
		cur.TotalDeleted += row.Deleted
		cur.Files = append(cur.Files, row)
		if rowLines > limits.LargeFileThresholdLines {
			curContainsLarge = true
		}
	}
	if len(cur.Files) > 0 {
		out = append(out, cur)
	}
	return out
}
