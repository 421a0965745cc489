package utils

// Empty is an empty struct, which has 0 bytes.
type Empty struct{}

// Set is a set of comparable keys.
type Set[K comparable] map[K]Empty

func NewSet[K comparable](keys ...K) Set[K] {
	s := make(Set[K], len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s Set[K]) Add(key K) {
	s[key] = Empty{}
}

func (s Set[K]) Has(key K) bool {
	_, ok := s[key]
	return ok
}
