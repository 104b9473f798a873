package stream

// Edge is the bus action a note subscription change requires.
type Edge int

const (
	EdgeNone Edge = iota
	// EdgeAttach: the first subscriber arrived.
	EdgeAttach
	// EdgeDetach: the last subscriber left.
	EdgeDetach
)

// subscribeStep is the counter transition for one subNote.
func subscribeStep(count int) (int, Edge) {
	if count == 0 {
		return 1, EdgeAttach
	}
	return count + 1, EdgeNone
}

// unsubscribeStep is the counter transition for one unsubNote. Unknown ids
// (count 0) stay unknown.
func unsubscribeStep(count int) (int, Edge) {
	switch {
	case count <= 0:
		return 0, EdgeNone
	case count == 1:
		return 0, EdgeDetach
	default:
		return count - 1, EdgeNone
	}
}

// NoteSubscriptions counts subNote requests per note id.
type NoteSubscriptions map[string]int

func (s NoteSubscriptions) Subscribe(id string) Edge {
	next, edge := subscribeStep(s[id])
	s[id] = next
	return edge
}

func (s NoteSubscriptions) Unsubscribe(id string) Edge {
	next, edge := unsubscribeStep(s[id])
	if next == 0 {
		delete(s, id)
	} else {
		s[id] = next
	}
	return edge
}
