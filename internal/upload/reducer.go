package upload

import "slices"

type actionKind int

const (
	actionAdd actionKind = iota
	actionRemove
	actionRetry
	actionSucceed
	actionFail
)

type action struct {
	kind    actionKind
	id      string
	entries []Entry
	result  Result
	err     error
}

// reduce returns the collection after applying a. The input slice is never
// modified so snapshots handed out earlier stay valid. Actions that target
// an unknown id leave the collection untouched.
func reduce(entries []Entry, a action) []Entry {
	switch a.kind {
	case actionAdd:
		next := make([]Entry, 0, len(entries)+len(a.entries))
		next = append(next, entries...)
		return append(next, a.entries...)
	case actionRemove:
		idx := indexOf(entries, a.id)
		if idx < 0 {
			return entries
		}
		return slices.Delete(slices.Clone(entries), idx, idx+1)
	}

	idx := indexOf(entries, a.id)
	if idx < 0 {
		return entries
	}
	next := slices.Clone(entries)
	e := &next[idx]
	switch a.kind {
	case actionRetry:
		e.Tries++
		e.State = State{Status: StatusPending}
	case actionSucceed:
		e.State = State{Status: StatusSuccess, Result: a.result}
	case actionFail:
		e.State = State{Status: StatusError, Err: a.err}
	}
	return next
}

func indexOf(entries []Entry, id string) int {
	return slices.IndexFunc(entries, func(e Entry) bool { return e.ID == id })
}
