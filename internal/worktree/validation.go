package worktree

import "strings"

// SanitizeWorktreeDirName generates a filesystem-safe directory name for a
// worktree: <repoDirName>-wt-<sanitized-branch>. Grounded verbatim on the
// teacher's internal/server/worktree_validation.go of the same name.
func SanitizeWorktreeDirName(repoDirName, branch string) string {
	sanitized := strings.ToLower(branch)
	sanitized = strings.ReplaceAll(sanitized, "/", "-")

	var b strings.Builder
	b.Grow(len(sanitized))
	for _, r := range sanitized {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	sanitized = b.String()

	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	sanitized = strings.Trim(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
		sanitized = strings.TrimRight(sanitized, "-")
	}
	if sanitized == "" {
		sanitized = "worktree"
	}

	return repoDirName + "-wt-" + sanitized
}

// PorcelainEntry is one worktree as reported by `git worktree list --porcelain`.
type PorcelainEntry struct {
	Path       string
	HeadCommit string
	Branch     string
	Detached   bool
}

// ParsePorcelain parses `git worktree list --porcelain` output. Grounded on
// the teacher's ParseWorktreePorcelain (worktree_validation.go), unchanged
// in algorithm: used by Manager's reconciliation path to cross-check
// persisted metadata against the actual on-disk worktree set.
func ParsePorcelain(output string) []PorcelainEntry {
	var entries []PorcelainEntry
	var current *PorcelainEntry

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				entries = append(entries, *current)
			}
			current = &PorcelainEntry{Path: strings.TrimPrefix(line, "worktree ")}
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(line, "HEAD ") {
			sha := strings.TrimPrefix(line, "HEAD ")
			if len(sha) > 7 {
				sha = sha[:7]
			}
			current.HeadCommit = sha
			continue
		}
		if strings.HasPrefix(line, "branch ") {
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			continue
		}
		if line == "detached" {
			current.Detached = true
			continue
		}
		if strings.TrimSpace(line) == "" {
			entries = append(entries, *current)
			current = nil
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}
