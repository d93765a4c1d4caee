package gan

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Context pack limits. The pack is advisory input for the judge, not an
// archive, so each section is capped hard.
const (
	maxPackBytes    = 48 * 1024
	maxSectionBytes = 12 * 1024
	maxTreeEntries  = 200
)

// BuildContextPack produces the repository excerpt string fed to the judge.
// The scope decides the strategy: git diff output, the configured file list,
// or a workspace tree summary. Failures degrade to an empty section rather
// than failing the audit.
func BuildContextPack(cfg SessionConfig, workDir string) string {
	var b strings.Builder
	switch cfg.Scope {
	case ScopePaths:
		writePathsPack(&b, workDir, cfg.Paths)
	case ScopeWorkspace:
		writeWorkspacePack(&b, workDir)
	default:
		writeDiffPack(&b, workDir)
	}
	pack := b.String()
	if len(pack) > maxPackBytes {
		pack = pack[:maxPackBytes] + "\n[context pack truncated]\n"
	}
	return pack
}

func writeDiffPack(b *strings.Builder, workDir string) {
	b.WriteString("# Working tree diff\n\n")
	out, err := gitOutput(workDir, "diff", "--stat")
	if err == nil && strings.TrimSpace(out) != "" {
		b.WriteString("```\n" + truncateSection(out) + "```\n\n")
	}
	out, err = gitOutput(workDir, "diff")
	if err != nil || strings.TrimSpace(out) == "" {
		// Fall back to the last commit so a clean tree still yields context.
		out, err = gitOutput(workDir, "show", "--format=%h %s", "HEAD")
	}
	if err != nil {
		b.WriteString("(no git context available)\n")
		return
	}
	b.WriteString("```diff\n" + truncateSection(out) + "```\n")
}

func writePathsPack(b *strings.Builder, workDir string, paths []string) {
	b.WriteString("# Selected files\n\n")
	for _, p := range paths {
		full := filepath.Join(workDir, p)
		data, err := os.ReadFile(full)
		if err != nil {
			fmt.Fprintf(b, "## %s\n(unreadable: %v)\n\n", p, err)
			continue
		}
		fmt.Fprintf(b, "## %s\n```\n%s```\n\n", p, truncateSection(string(data)))
	}
}

func writeWorkspacePack(b *strings.Builder, workDir string) {
	b.WriteString("# Workspace overview\n\n```\n")
	var entries []string
	_ = filepath.WalkDir(workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules" || strings.HasPrefix(name, "_")) {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(workDir, path)
		if relErr != nil {
			return nil
		}
		entries = append(entries, rel)
		if len(entries) >= maxTreeEntries {
			return filepath.SkipAll
		}
		return nil
	})
	sort.Strings(entries)
	for _, e := range entries {
		b.WriteString(e + "\n")
	}
	b.WriteString("```\n")
}

func truncateSection(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	if len(s) > maxSectionBytes {
		return s[:maxSectionBytes] + "\n[truncated]\n"
	}
	return s
}

func gitOutput(workDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir
	out, err := cmd.Output()
	return string(out), err
}
