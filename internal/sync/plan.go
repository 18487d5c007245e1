package sync

import (
	"path"
	"path/filepath"
	"sort"

	"github.com/schaermu/relaunchd/internal/snapshot"
)

// Plan is the set of file operations that reconciles an installed tree with a
// release tree.
type Plan struct {
	Copy   []Action
	Delete []Action
	// Protected lists relative paths present in either tree that were left
	// alone because they matched the protected set.
	Protected []string
}

// Action is a single copy or delete.
type Action struct {
	RelativePath string
	SourcePath   string // empty for deletes
	DestPath     string
	// Overwrite is true when a copy replaces an existing installed file.
	Overwrite bool
	// InTheWay is set on deletes whose path blocks a copy: an installed file
	// where the release has a directory, or a file below a path the release
	// turns into a file. These run before the copies.
	InTheWay bool
}

// BuildPlan computes the copy and delete actions that make destRoot match src.
// Every non-protected source file gets a copy action. Every installed file
// missing from src and not protected gets a delete action. Actions are sorted
// by relative path.
func BuildPlan(src, dst snapshot.Snapshot, destRoot string, protected ProtectedSet) *Plan {
	plan := &Plan{
		Copy:   make([]Action, 0, len(src)),
		Delete: make([]Action, 0),
	}
	protectedSeen := make(map[string]bool)

	for rel, rec := range src {
		if protected.Matches(rel) {
			protectedSeen[rel] = true
			continue
		}
		_, exists := dst[rel]
		plan.Copy = append(plan.Copy, Action{
			RelativePath: rel,
			SourcePath:   rec.AbsolutePath,
			DestPath:     filepath.Join(destRoot, filepath.FromSlash(rel)),
			Overwrite:    exists,
		})
	}

	for rel := range dst {
		if protected.Matches(rel) {
			protectedSeen[rel] = true
			continue
		}
		if _, exists := src[rel]; exists {
			continue
		}
		plan.Delete = append(plan.Delete, Action{
			RelativePath: rel,
			DestPath:     filepath.Join(destRoot, filepath.FromSlash(rel)),
		})
	}

	markInTheWay(plan)

	for rel := range protectedSeen {
		plan.Protected = append(plan.Protected, rel)
	}

	sort.Slice(plan.Copy, func(i, j int) bool { return plan.Copy[i].RelativePath < plan.Copy[j].RelativePath })
	sort.Slice(plan.Delete, func(i, j int) bool { return plan.Delete[i].RelativePath < plan.Delete[j].RelativePath })
	sort.Strings(plan.Protected)

	return plan
}

func markInTheWay(plan *Plan) {
	if len(plan.Delete) == 0 {
		return
	}
	targets := make(map[string]bool, len(plan.Copy))
	parents := make(map[string]bool)
	for _, a := range plan.Copy {
		targets[a.RelativePath] = true
		for dir := path.Dir(a.RelativePath); dir != "."; dir = path.Dir(dir) {
			parents[dir] = true
		}
	}
	for i := range plan.Delete {
		rel := plan.Delete[i].RelativePath
		if parents[rel] {
			plan.Delete[i].InTheWay = true
			continue
		}
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if targets[dir] {
				plan.Delete[i].InTheWay = true
				break
			}
		}
	}
}

// Empty reports whether the plan has no actions.
func (p *Plan) Empty() bool {
	return len(p.Copy) == 0 && len(p.Delete) == 0
}
