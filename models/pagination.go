package models

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// AbandonedFilter narrows a tracking-record listing. Empty ProcessType or Status
// means "any".
type AbandonedFilter struct {
	ProcessType ProcessType
	Status      AbandonedStatus
	Limit       int
	Offset      int
}

type AbandonedPage struct {
	Items  []*AbandonedProcess `json:"items"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ClampLimit applies the default for non-positive values and caps at MaxPageLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
