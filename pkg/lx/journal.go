package lx

// journal records how to undo every state write made by the running
// operation, plus the events it produced. Reverting to a mark restores the
// state exactly as it was when the mark was taken.
type journal struct {
	undo   []func()
	events []Event
}

type journalMark struct {
	undo   int
	events int
}

func (j *journal) mark() journalMark {
	return journalMark{undo: len(j.undo), events: len(j.events)}
}

func (j *journal) revertTo(m journalMark) {
	for i := len(j.undo) - 1; i >= m.undo; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:m.undo]
	j.events = j.events[:m.events]
}

// commit drops the undo log and hands back the buffered events.
func (j *journal) commit() []Event {
	events := j.events
	j.undo = j.undo[:0]
	j.events = nil
	return events
}

func (j *journal) emit(ev Event) {
	j.events = append(j.events, ev)
}

// set assigns v to *p, remembering the previous value.
func set[T any](j *journal, p *T, v T) {
	old := *p
	j.undo = append(j.undo, func() { *p = old })
	*p = v
}

// setKey assigns m[k] = v, remembering whether k was present.
func setKey[K comparable, V any](j *journal, m map[K]V, k K, v V) {
	old, existed := m[k]
	j.undo = append(j.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// deleteKey removes k from m, remembering its value.
func deleteKey[K comparable, V any](j *journal, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	j.undo = append(j.undo, func() { m[k] = old })
	delete(m, k)
}
