package vfsrecovery

import "time"

// RecoveryPoint names a position in the log immediately after a
// VFileEventOperation.EventStart, suitable for presenting to a user as a
// restore candidate.
type RecoveryPoint struct {
	Timestamp int64
	Position  int64
}

// RecoveryPointFinder scans a LogStorage for safe resume points (spec
// §4.6).
type RecoveryPointFinder struct {
	storage *LogStorage
}

// NewRecoveryPointFinder wraps storage.
func NewRecoveryPointFinder(storage *LogStorage) *RecoveryPointFinder {
	return &RecoveryPointFinder{storage: storage}
}

// FindClosestPrecedingCleanPoint scans backward from point; the candidate
// is accepted iff the minCleanWindow records immediately preceding it are
// all Complete with non-exceptional results. Any Incomplete or exceptional
// Complete record within the window resets the candidate to just before
// the offending record and the scan restarts from there. Returns false if
// the log starts without such a window.
func (f *RecoveryPointFinder) FindClosestPrecedingCleanPoint(point int64, minCleanWindow int) (int64, bool) {
	if minCleanWindow <= 0 {
		minCleanWindow = DefaultCleanWindow
	}

	candidate := point
	for {
		it := NewBackwardIterator(f.storage, candidate)
		clean := 0
		cursor := candidate
		offending := int64(-1)

		for clean < minCleanWindow {
			res, ok := it.Next()
			if !ok {
				if it.Poisoned() {
					offending = it.Position()
				}
				break
			}
			if res.Outcome != OutcomeComplete || res.Op.Result != ResultOK {
				offending = it.Position()
				break
			}
			clean++
			cursor = it.Position()
		}

		if clean >= minCleanWindow {
			return candidate, true
		}
		if offending < 0 {
			return 0, false
		}
		if offending >= candidate {
			return 0, false
		}
		candidate = offending
		_ = cursor
	}
}

// GenerateRecoveryPointsPriorTo returns every VFileEventOperation.EventStart
// encountered walking backward from point, newest first.
func (f *RecoveryPointFinder) GenerateRecoveryPointsPriorTo(point int64) []RecoveryPoint {
	var points []RecoveryPoint
	mask := NewTagMask(TagEventStart)
	it := NewBackwardFilteredIterator(f.storage, point, mask)

	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Outcome != OutcomeComplete {
			continue
		}
		// it.Position() is the start of the EventStart descriptor; the
		// recovery point lies just past its end.
		dlen, _ := descriptorLen(TagEventStart)
		points = append(points, RecoveryPoint{Timestamp: res.Op.Timestamp, Position: it.Position() + int64(dlen)})
	}
	return points
}

// ThinOut rate-limits a newest-first sequence of recovery points: it
// yields the first point, then only the next point whose timestamp is at
// least the current skip earlier than the last yielded one; skip grows
// geometrically by multiplier after each emission, capped at ~5 years to
// avoid overflow.
func ThinOut(points []RecoveryPoint, initialSkipMs int64, multiplier float64) []RecoveryPoint {
	if len(points) == 0 {
		return nil
	}
	const maxSkipMs = int64(5 * 365 * 24 * time.Hour / time.Millisecond)

	skip := initialSkipMs
	if skip <= 0 {
		skip = DefaultRestorePointInitialSkipMS
	}
	if multiplier <= 1.0 {
		multiplier = DefaultRestorePointMultiplier
	}

	out := []RecoveryPoint{points[0]}
	lastTs := points[0].Timestamp

	for _, p := range points[1:] {
		if lastTs-p.Timestamp < skip {
			continue
		}
		out = append(out, p)
		lastTs = p.Timestamp
		next := float64(skip) * multiplier
		if next > float64(maxSkipMs) {
			skip = maxSkipMs
		} else {
			skip = int64(next)
		}
	}
	return out
}
