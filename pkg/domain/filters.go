package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStageMismatch is returned when two cut-flows with different stage
// sequences are merged.
var ErrStageMismatch = errors.New("filter stage mismatch")

// Filter is one stage of a cut-flow: how many items entered it and how many
// survived.
type Filter struct {
	Name    string `json:"name" yaml:"name"`
	Total   int64  `json:"total" yaml:"total"`
	Passing int64  `json:"passing" yaml:"passing"`
}

// FilterList is an ordered cut-flow. Each stage's passing count must not
// exceed its total or the previous stage's passing count.
type FilterList []Filter

// Merge sums two cut-flows stage by stage.
func Merge(a, b FilterList) (FilterList, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d stages vs %d stages", ErrStageMismatch, len(a), len(b))
	}
	out := make(FilterList, len(a))
	for i := range a {
		if a[i].Name != b[i].Name {
			return nil, fmt.Errorf("%w: stage %d is %q vs %q", ErrStageMismatch, i, a[i].Name, b[i].Name)
		}
		out[i] = Filter{
			Name:    a[i].Name,
			Total:   a[i].Total + b[i].Total,
			Passing: a[i].Passing + b[i].Passing,
		}
	}
	return out, nil
}

// MergeAll folds lists left to right. An empty input merges to nil.
func MergeAll(lists ...FilterList) (FilterList, error) {
	if len(lists) == 0 {
		return nil, nil
	}
	acc := lists[0].Clone()
	for _, l := range lists[1:] {
		merged, err := Merge(acc, l)
		if err != nil {
			return nil, err
		}
		acc = merged
	}
	return acc, nil
}

func (l FilterList) Clone() FilterList {
	if l == nil {
		return nil
	}
	out := make(FilterList, len(l))
	copy(out, l)
	return out
}

// Total is the number of items that entered the first stage.
func (l FilterList) Total() int64 {
	if len(l) == 0 {
		return 0
	}
	return l[0].Total
}

// Final is the number of items surviving the last stage.
func (l FilterList) Final() int64 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1].Passing
}

// Validate checks the cut-flow is monotone non-increasing.
func (l FilterList) Validate() error {
	for i, f := range l {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if f.Total < 0 || f.Passing < 0 {
			return fmt.Errorf("stage %q has negative counts", f.Name)
		}
		if f.Passing > f.Total {
			return fmt.Errorf("stage %q passes %d of %d", f.Name, f.Passing, f.Total)
		}
		if i > 0 && f.Passing > l[i-1].Passing {
			return fmt.Errorf("stage %q passes %d after %q passed %d", f.Name, f.Passing, l[i-1].Name, l[i-1].Passing)
		}
	}
	return nil
}

// Basic returns a language-neutral form suitable for persisting.
func (l FilterList) Basic() []map[string]any {
	out := make([]map[string]any, len(l))
	for i, f := range l {
		out[i] = map[string]any{"name": f.Name, "total": f.Total, "passing": f.Passing}
	}
	return out
}

func (l FilterList) String() string {
	if len(l) == 0 {
		return "  (no filters)\n"
	}
	width := 0
	for _, f := range l {
		if len(f.Name) > width {
			width = len(f.Name)
		}
	}
	var b strings.Builder
	for _, f := range l {
		fmt.Fprintf(&b, "  %-*s  %d -> %d\n", width, f.Name, f.Total, f.Passing)
	}
	return b.String()
}

// Stage returns a pointer to the named stage, or nil.
func (l FilterList) Stage(name string) *Filter {
	for i := range l {
		if l[i].Name == name {
			return &l[i]
		}
	}
	return nil
}
