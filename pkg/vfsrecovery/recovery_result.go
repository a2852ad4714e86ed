package vfsrecovery

import (
	"fmt"
	"time"
)

// RecoveryResult accumulates every non-fatal outcome of a recovery pass
// (spec §7). Fatal errors unwind instead of populating this struct.
type RecoveryResult struct {
	LastAllocatedRecord uint32
	FileStateCounts     map[RecoveryState]int

	RecoveredContentsCount int
	LostContentsCount      int
	LastRecoveredContentID uint32

	RecoveredAttributesCount int
	BotchedAttributesCount   int

	DuplicateChildrenLost         int
	DuplicateChildrenDeduplicated int
	DuplicateChildrenCount        int
	duplicateChildrenLogged       int
	DuplicateChildrenLogDetails   []string

	Duration time.Duration
	DryRun   bool
	Detail   string
}

// NewRecoveryResult returns a zero-valued result with its counters map
// initialized.
func NewRecoveryResult() *RecoveryResult {
	return &RecoveryResult{FileStateCounts: make(map[RecoveryState]int)}
}

func (r *RecoveryResult) noteState(state RecoveryState) {
	r.FileStateCounts[state]++
}

// noteDuplicateChildren logs at most the first 10 duplicate-name offenders
// in detail, then folds the rest into a summary count only (spec §4.4).
func (r *RecoveryResult) noteDuplicateChildren(parentID, nameID uint32, candidates []uint32, kept uint32, hadKept bool) {
	r.DuplicateChildrenCount += len(candidates)
	if hadKept {
		r.DuplicateChildrenDeduplicated++
	} else {
		r.DuplicateChildrenLost++
	}

	if r.duplicateChildrenLogged >= 10 {
		if r.duplicateChildrenLogged == 10 {
			r.DuplicateChildrenLogDetails = append(r.DuplicateChildrenLogDetails, "...and more")
			r.duplicateChildrenLogged++
		}
		return
	}
	r.duplicateChildrenLogged++
	if hadKept {
		r.DuplicateChildrenLogDetails = append(r.DuplicateChildrenLogDetails,
			fmt.Sprintf("parent=%d name=%d candidates=%v kept=%d", parentID, nameID, candidates, kept))
	} else {
		r.DuplicateChildrenLogDetails = append(r.DuplicateChildrenLogDetails,
			fmt.Sprintf("parent=%d name=%d candidates=%v dropped all", parentID, nameID, candidates))
	}
}
