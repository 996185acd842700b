// Package ranges implements RFC 7233 byte-range serving for artifact
// downloads: single-range, multipart and full-body delivery with progress
// milestones for live download reporting.
package ranges

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rangePattern matches "bytes=n-n(,n-n)*" with either bound optional.
var rangePattern = regexp.MustCompile(`^bytes=\d*-\d*(,\d*-\d*)*$`)

// ByteRange is one resolved byte range of an artifact of Total length.
// Bounds are inclusive.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Full returns the range covering the whole body.
func Full(length int64) ByteRange {
	return ByteRange{Start: 0, End: length - 1, Total: length}
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for the range.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// ErrNotSatisfiable reports a syntactically valid range set that cannot be
// satisfied against the artifact (start beyond end after resolution).
// Callers answer it with 416; it is never escalated to error logging.
type ErrNotSatisfiable struct {
	Spec   string
	Length int64
}

func (e *ErrNotSatisfiable) Error() string {
	return fmt.Sprintf("range %q not satisfiable for length %d", e.Spec, e.Length)
}

// ValidSyntax reports whether the Range header matches the supported
// grammar. A syntactically invalid header is answered 416, not ignored.
func ValidSyntax(header string) bool {
	return rangePattern.MatchString(header)
}

// Parse resolves a syntactically valid Range header against the body
// length. An omitted start means "last N bytes"; an omitted or past-end
// end clamps to length-1. A range whose start exceeds its resolved end is
// not satisfiable.
func Parse(header string, length int64) ([]ByteRange, error) {
	var result []ByteRange
	for _, part := range strings.Split(strings.TrimPrefix(header, "bytes="), ",") {
		dash := strings.IndexByte(part, '-')
		start := sublong(part[:dash])
		end := sublong(part[dash+1:])

		if start == -1 {
			// Suffix range: last N bytes.
			start = length - end
			if start < 0 {
				start = 0
			}
			end = length - 1
		} else if end == -1 || end > length-1 {
			end = length - 1
		}

		if start > end {
			return nil, &ErrNotSatisfiable{Spec: header, Length: length}
		}
		result = append(result, ByteRange{Start: start, End: end, Total: length})
	}
	return result, nil
}

// sublong parses a range bound, returning -1 for an omitted one.
func sublong(s string) int64 {
	if s == "" {
		return -1
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return v
}
