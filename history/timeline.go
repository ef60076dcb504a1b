package history

import (
	"cmp"
	"fmt"
	"slices"
)

// A timeline holds the intervals of a single scope, sorted by ValidFrom.
type timeline []Interval

func (tl timeline) lookup(at uint64) (Interval, error) {
	var found []Interval
	for _, i := range tl {
		if i.Covers(at) {
			found = append(found, i)
		}
	}
	switch len(found) {
	case 0:
		return Interval{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Interval{}, fmt.Errorf("%w: %d intervals cover %d", ErrAmbiguous, len(found), at)
	}
}

// open returns the timeline with a new interval starting at at. The interval
// covering at is cut short, and the new interval ends where the next one
// begins. If an interval already starts at at, the timeline is unchanged. The
// interval starting at at is returned.
func (tl timeline) open(canonical string, at uint64) (timeline, Interval) {
	pos, exists := slices.BinarySearchFunc(tl, at, func(i Interval, at uint64) int {
		return cmp.Compare(i.ValidFrom, at)
	})
	if exists {
		return tl, tl[pos]
	}

	next := Interval{Canonical: canonical, ValidFrom: at, LastSeen: at}
	if pos < len(tl) {
		next.ValidTo = tl[pos].ValidFrom
	}
	if pos > 0 && tl[pos-1].Covers(at) {
		tl[pos-1].ValidTo = at
	}
	return slices.Insert(tl, pos, next), next
}

func (tl timeline) touch(canonical string, at uint64) error {
	for i := range tl {
		if tl[i].Covers(at) && tl[i].Canonical == canonical {
			tl[i].LastSeen = max(tl[i].LastSeen, at)
			return nil
		}
	}
	return ErrNotFound
}
