package textpatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	ErrInvalidPatch = errors.New("invalid patch")
	ErrApplyFailed  = errors.New("patch apply failed")
)

// diffCleanupThreshold is the minimum number of diffs before running the
// semantic and efficiency cleanup passes. Below this count the diffs are
// simple enough that cleanup would not improve the result.
const diffCleanupThreshold = 2

// Diff computes the edit script turning base into current and returns it
// in the diff-match-patch textual encoding. An empty string means the two
// inputs are identical.
func Diff(base, current string) string {
	if base == current {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, current, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(base, diffs)
	return dmp.PatchToText(patches)
}

// Validate parses patchText without applying it. Empty text is a valid
// empty patch.
func Validate(patchText string) error {
	if strings.TrimSpace(patchText) == "" {
		return nil
	}
	dmp := diffmatchpatch.New()
	if _, err := dmp.PatchFromText(patchText); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return nil
}

// Apply applies patchText to doc. Hunks are matched at their recorded
// positions first, then relocated by fuzzy context matching within the
// library's match distance. Application is all or nothing: if any hunk
// cannot be placed the whole apply fails with ErrApplyFailed and doc is
// left untouched. An empty patch returns doc unchanged.
func Apply(doc, patchText string) (string, error) {
	if strings.TrimSpace(patchText) == "" {
		return doc, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	result, applied := dmp.PatchApply(patches, doc)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: hunk %d could not be placed", ErrApplyFailed, i)
		}
	}
	return result, nil
}
