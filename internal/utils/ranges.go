package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedRange     = errors.New("malformed range header")
	ErrUnsatisfiableRange = errors.New("range not satisfiable")
)

// ByteRange is a requested range before it is resolved against a length.
// Start of -1 marks a suffix range ("bytes=-N") and End of -1 an open end.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRangeHeader accepts a single "bytes=" range. Multi-range requests
// are reported as malformed so callers can pass them to the origin.
func ParseRangeHeader(header string) (ByteRange, error) {
	if !strings.HasPrefix(header, "bytes=") {
		return ByteRange{}, ErrMalformedRange
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if strings.Contains(spec, ",") {
		return ByteRange{}, ErrMalformedRange
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, ErrMalformedRange
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, ErrMalformedRange
		}
		return ByteRange{Start: -1, End: n}, nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrMalformedRange
	}
	if endStr == "" {
		return ByteRange{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, ErrMalformedRange
	}
	return ByteRange{Start: start, End: end}, nil
}

// Resolve turns the request into an inclusive [start, end] within total.
func (r ByteRange) Resolve(total int64) (int64, int64, error) {
	if total <= 0 {
		return 0, 0, ErrUnsatisfiableRange
	}
	if r.Start < 0 {
		n := min(r.End, total)
		return total - n, total - 1, nil
	}
	if r.Start >= total {
		return 0, 0, ErrUnsatisfiableRange
	}
	end := r.End
	if end < 0 || end >= total {
		end = total - 1
	}
	return r.Start, end, nil
}

func FormatContentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

// ParseContentRange reads "bytes a-b/total"; total is -1 when reported as "*".
func ParseContentRange(header string) (int64, int64, int64, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, ErrMalformedRange
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, ErrMalformedRange
	}
	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, ErrMalformedRange
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, 0, ErrMalformedRange
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, ErrMalformedRange
	}
	total := int64(-1)
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, 0, 0, ErrMalformedRange
		}
	}
	return start, end, total, nil
}
