package utils

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ToSkipAndLimit converts a 1-based page into an offset.
// A zero page or size selects the first page or the default size, and size is capped at MaxPageSize.
func ToSkipAndLimit(page uint64, size uint64) (skip uint64, limit uint64) {
	if page == 0 {
		page = 1
	}

	switch {
	case size == 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	return (page - 1) * size, size
}
