package domain

// IDSet is an immutable-by-convention set of ids. Snapshots held by streaming
// connections share these values, so mutation goes through With/Without,
// which return copies.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) With(id string) IDSet {
	out := make(IDSet, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

func (s IDSet) Without(id string) IDSet {
	out := make(IDSet, len(s))
	for k := range s {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return out
}

// FollowingMap maps followee id to its withReplies flag.
type FollowingMap map[string]bool
