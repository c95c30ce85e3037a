// Package rangeset keeps the coalesced set of byte intervals downloaded for a
// resource.
//
// A Set holds non-overlapping, non-adjacent inclusive intervals sorted by
// start offset. Adding an interval merges it with every neighbour it touches,
// so the set is always the minimal cover of the bytes seen so far. A Set is
// not safe for concurrent use; the owner serializes access.
package rangeset

import (
	"sort"
)

// Range is an inclusive byte interval.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

type Set struct {
	ranges []Range
	total  int64
}

func New() *Set {
	return &Set{}
}

func FromRanges(ranges []Range) *Set {
	s := New()
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// Add inserts r and returns how many bytes were not covered before.
func (s *Set) Add(r Range) int64 {
	if r.End < r.Start || r.Start < 0 {
		return 0
	}
	// first range that ends at or after r.Start-1 can touch r
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End+1 >= r.Start
	})
	// first range that starts strictly after r.End+1 cannot touch r
	j := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].Start > r.End+1
	})
	merged := r
	var overlapped int64
	for _, existing := range s.ranges[i:j] {
		overlapped += existing.Len()
		merged.Start = min(merged.Start, existing.Start)
		merged.End = max(merged.End, existing.End)
	}
	added := merged.Len() - overlapped
	switch {
	case i == j:
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = merged
	default:
		s.ranges[i] = merged
		s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
	}
	s.total += added
	return added
}

// Covers reports whether every byte of [start, end] is present.
func (s *Set) Covers(start, end int64) bool {
	if end < start {
		return true
	}
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End >= start
	})
	return i < len(s.ranges) && s.ranges[i].Start <= start && s.ranges[i].End >= end
}

// Missing returns the gaps inside [start, end], in order.
func (s *Set) Missing(start, end int64) []Range {
	var gaps []Range
	cursor := start
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End >= start
	})
	for ; i < len(s.ranges) && cursor <= end; i++ {
		r := s.ranges[i]
		if r.Start > end {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: r.Start - 1})
		}
		cursor = max(cursor, r.End+1)
	}
	if cursor <= end {
		gaps = append(gaps, Range{Start: cursor, End: end})
	}
	return gaps
}

// ContiguousFrom returns how many bytes are present starting at offset
// without a gap.
func (s *Set) ContiguousFrom(offset int64) int64 {
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End >= offset
	})
	if i == len(s.ranges) || s.ranges[i].Start > offset {
		return 0
	}
	return s.ranges[i].End - offset + 1
}

func (s *Set) Total() int64 {
	return s.total
}

func (s *Set) Len() int {
	return len(s.ranges)
}

// Ranges returns a copy of the intervals.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

func (s *Set) Clone() *Set {
	return &Set{ranges: s.Ranges(), total: s.total}
}
