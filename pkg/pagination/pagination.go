package pagination

const (
	// DefaultLimit is the standard page size when a limit is not provided.
	DefaultLimit = 20
	// MaxLimit caps how many rows any list query can request.
	MaxLimit = 100
)

// Params holds offset pagination inputs from controllers or services.
type Params struct {
	Limit  int
	Offset int
}

// Normalize clamps the limit and rejects negative offsets.
func (p Params) Normalize() Params {
	p.Limit = NormalizeLimit(p.Limit)
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// NormalizeLimit enforces the configured default and maximum limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// LimitWithBuffer returns the normalization result plus one to detect the next page.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// Page is one slice of a list plus the offset of the following slice, if any.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage trims a buffered result (fetched with LimitWithBuffer) into a Page.
func NewPage[T any](rows []T, params Params) Page[T] {
	params = params.Normalize()
	page := Page[T]{Limit: params.Limit, Offset: params.Offset}
	if len(rows) > params.Limit {
		next := params.Offset + params.Limit
		page.NextOffset = &next
		rows = rows[:params.Limit]
	}
	if rows == nil {
		rows = []T{}
	}
	page.Items = rows
	return page
}
