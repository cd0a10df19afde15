package textpatch

import (
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrMergeConflict reports that a three-way merge could not be completed
// without losing one side's edits.
var ErrMergeConflict = errors.New("merge conflict")

// ConflictBlock records one line where both sides edited the same span of
// the base.
type ConflictBlock struct {
	Line   int    `json:"line"`
	Base   string `json:"base"`
	Yours  string `json:"yours"`
	Theirs string `json:"theirs"`
}

// editRegion is one contiguous span a side changed, in base byte offsets.
// A pure insertion has baseStart == baseEnd. targetStart is where the
// replacement text begins in the edited document.
type editRegion struct {
	baseStart   int
	baseEnd     int
	targetStart int
}

// editRegions extracts the spans of base that target changed. Semantic
// cleanup first, so a rewritten word reads as one replacement instead of
// a scatter of coincidental common characters.
func editRegions(base, target string) []editRegion {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, target, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var regions []editRegion
	basePos, targetPos := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			basePos += len(d.Text)
			targetPos += len(d.Text)
		case diffmatchpatch.DiffDelete:
			regions = appendRegion(regions, editRegion{baseStart: basePos, baseEnd: basePos + len(d.Text), targetStart: targetPos})
			basePos += len(d.Text)
		case diffmatchpatch.DiffInsert:
			regions = appendRegion(regions, editRegion{baseStart: basePos, baseEnd: basePos, targetStart: targetPos})
			targetPos += len(d.Text)
		}
	}
	return regions
}

// appendRegion coalesces ops not separated by equal text, so a deletion
// immediately followed by its replacement insert becomes one region.
func appendRegion(regions []editRegion, r editRegion) []editRegion {
	if n := len(regions); n > 0 && regions[n-1].baseEnd == r.baseStart {
		regions[n-1].baseEnd = r.baseEnd
		return regions
	}
	return append(regions, r)
}

// regionsCollide reports whether two edit spans touch the same base
// bytes. Insertions at the exact same offset collide, their relative
// order would be ambiguous; an insertion at the boundary of another
// side's edit does not.
func regionsCollide(a, b editRegion) bool {
	if a.baseStart == a.baseEnd && b.baseStart == b.baseEnd {
		return a.baseStart == b.baseStart
	}
	return a.baseStart < b.baseEnd && b.baseStart < a.baseEnd
}

// DetectConflicts compares the character spans each side changed against
// the base and reports one block per base line where the spans collide.
// Edits that share a line but touch disjoint character ranges do not
// conflict; a patch transplant can weave them together. An empty result
// means the transplant can proceed.
func DetectConflicts(base, yours, theirs string) []ConflictBlock {
	yourRegions := editRegions(base, yours)
	theirRegions := editRegions(base, theirs)

	var blocks []ConflictBlock
	seen := map[int]bool{}
	for _, y := range yourRegions {
		for _, t := range theirRegions {
			if !regionsCollide(y, t) {
				continue
			}
			pos := y.baseStart
			if t.baseStart > pos {
				pos = t.baseStart
			}
			line := 1 + strings.Count(base[:pos], "\n")
			if seen[line] {
				continue
			}
			seen[line] = true
			blocks = append(blocks, ConflictBlock{
				Line:   line,
				Base:   lineContaining(base, pos),
				Yours:  lineContaining(yours, y.targetStart),
				Theirs: lineContaining(theirs, t.targetStart),
			})
		}
	}
	return blocks
}

// Merge performs a three-way merge: the base->yours edit script is
// transplanted onto theirs. It refuses to merge when DetectConflicts
// finds colliding edit spans or when any transplanted hunk fails to
// apply, returning the conflicting blocks alongside ErrMergeConflict.
func Merge(base, yours, theirs string) (string, []ConflictBlock, error) {
	if yours == theirs {
		return theirs, nil, nil
	}
	if base == yours {
		return theirs, nil, nil
	}
	if base == theirs {
		return yours, nil, nil
	}

	blocks := DetectConflicts(base, yours, theirs)
	if len(blocks) > 0 {
		return "", blocks, ErrMergeConflict
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, yours)
	merged, applied := dmp.PatchApply(patches, theirs)
	for _, ok := range applied {
		if !ok {
			return "", blocks, ErrMergeConflict
		}
	}
	return merged, nil, nil
}

// lineContaining returns the full line around byte offset pos.
func lineContaining(doc string, pos int) string {
	if pos > len(doc) {
		pos = len(doc)
	}
	start := strings.LastIndexByte(doc[:pos], '\n') + 1
	end := strings.IndexByte(doc[pos:], '\n')
	if end < 0 {
		return doc[start:]
	}
	return doc[start : pos+end]
}
