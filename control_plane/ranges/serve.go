package ranges

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	copyBufferSize    = 32 * 1024
	multipartBoundary = "OTA_ARTIFACT_BOUNDARY"

	// A supplied If-Range date this much older than the artifact's
	// last-modified time means the client's copy is stale and the full
	// body is served instead of the requested ranges.
	ifRangeTolerance = time.Second
)

// Mode is the delivery mode a request resolved to.
type Mode string

const (
	ModeFull           Mode = "full"
	ModeRange          Mode = "range"
	ModeMultipart      Mode = "multipart"
	ModeNotSatisfiable Mode = "not_satisfiable"
)

// Artifact carries the response metadata of the artifact being served.
type Artifact struct {
	Filename     string
	SHA1         string
	Size         int64
	LastModified time.Time
}

// ProgressFunc receives the transfer percentage at every ten-point
// milestone and always at 100.
type ProgressFunc func(percent int)

// StreamingError reports an I/O failure mid-copy. The transfer is not
// retried here; range requests are idempotent, so the client re-issues the
// whole request if it wants another attempt.
type StreamingError struct {
	Filename string
	Err      error
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("streaming artifact %s failed: %v", e.Filename, e.Err)
}

func (e *StreamingError) Unwrap() error {
	return e.Err
}

// Result reports how a request was answered and how many payload bytes
// were streamed.
type Result struct {
	Mode  Mode
	Bytes int64
}

// WriteResponse serves the artifact per RFC 7233: full body without a
// Range header, 206 for one range, multipart/byteranges for several, 416
// for invalid or unsatisfiable ranges. The caller owns src and closes it
// on every path; progress may be nil.
func WriteResponse(w http.ResponseWriter, r *http.Request, art Artifact, src io.ReadSeeker, progress ProgressFunc) (Result, error) {
	length := art.Size

	w.Header().Set("Content-Disposition", "attachment; filename="+art.Filename)
	w.Header().Set("ETag", art.SHA1)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Last-Modified", art.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", "application/octet-stream")

	full := Full(length)
	var resolved []ByteRange

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		if !ValidSyntax(rangeHeader) {
			writeNotSatisfiable(w, length)
			return Result{Mode: ModeNotSatisfiable}, nil
		}

		// RFC 7233 If-Range: if the representation is unchanged, send the
		// requested part(s); otherwise send the entire representation.
		if wantFull := ifRangeWantsFullBody(r, art); wantFull {
			resolved = []ByteRange{full}
		} else {
			var err error
			resolved, err = Parse(rangeHeader, length)
			var notSat *ErrNotSatisfiable
			if errors.As(err, &notSat) {
				writeNotSatisfiable(w, length)
				return Result{Mode: ModeNotSatisfiable}, nil
			}
			if err != nil {
				return Result{Mode: ModeNotSatisfiable}, err
			}
		}
	}

	switch {
	case len(resolved) == 0 || (len(resolved) == 1 && resolved[0] == full):
		w.Header().Set("Content-Length", strconv.FormatInt(full.Length(), 10))
		w.WriteHeader(http.StatusOK)
		n, err := copyRange(w, r, art, src, full, progress)
		return Result{Mode: ModeFull, Bytes: n}, err

	case len(resolved) == 1:
		br := resolved[0]
		w.Header().Set("Content-Range", br.ContentRange())
		w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		n, err := copyRange(w, r, art, src, br, progress)
		return Result{Mode: ModeRange, Bytes: n}, err

	default:
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Type", "multipart/byteranges; boundary="+multipartBoundary)
		w.WriteHeader(http.StatusPartialContent)
		var written int64
		for _, br := range resolved {
			if _, err := fmt.Fprintf(w, "\r\n--%s\r\nContent-Range: %s\r\n\r\n", multipartBoundary, br.ContentRange()); err != nil {
				return Result{Mode: ModeMultipart, Bytes: written}, &StreamingError{Filename: art.Filename, Err: err}
			}
			n, err := copyRange(w, r, art, src, br, progress)
			written += n
			if err != nil {
				return Result{Mode: ModeMultipart, Bytes: written}, err
			}
		}
		if _, err := fmt.Fprintf(w, "\r\n--%s--", multipartBoundary); err != nil {
			return Result{Mode: ModeMultipart, Bytes: written}, &StreamingError{Filename: art.Filename, Err: err}
		}
		return Result{Mode: ModeMultipart, Bytes: written}, nil
	}
}

func writeNotSatisfiable(w http.ResponseWriter, length int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", length))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// ifRangeWantsFullBody applies the conditional-range check: an If-Range
// value that is neither the current validator nor a fresh-enough date
// voids the ranges.
func ifRangeWantsFullBody(r *http.Request, art Artifact) bool {
	ifRange := r.Header.Get("If-Range")
	if ifRange == "" || ifRange == art.SHA1 {
		return false
	}
	t, err := http.ParseTime(ifRange)
	if err != nil {
		// Not the current validator and not a date: treat the client
		// copy as stale.
		return true
	}
	return t.Add(ifRangeTolerance).Before(art.LastModified)
}

// copyRange streams one resolved range from src and returns the number of
// payload bytes written, invoking progress at each ten-point milestone. It
// stops promptly when the request context is canceled mid-transfer.
func copyRange(w io.Writer, r *http.Request, art Artifact, src io.ReadSeeker, br ByteRange, progress ProgressFunc) (int64, error) {
	if _, err := src.Seek(br.Start, io.SeekStart); err != nil {
		return 0, &StreamingError{Filename: art.Filename, Err: err}
	}

	buf := make([]byte, copyBufferSize)
	var total int64
	lastPercent := 0
	remaining := br.Length()
	ctx := r.Context()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return total, &StreamingError{Filename: art.Filename, Err: ctx.Err()}
		default:
		}

		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := src.Read(buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, &StreamingError{Filename: art.Filename, Err: werr}
			}
			total += int64(n)
			remaining -= int64(n)

			if progress != nil {
				percent := int(total * 100 / br.Length())
				if percent == 100 || percent >= lastPercent+10 {
					lastPercent = percent
					progress(percent)
				}
			}
		}
		if err == io.EOF {
			if remaining > 0 {
				return total, &StreamingError{Filename: art.Filename, Err: io.ErrUnexpectedEOF}
			}
			break
		}
		if err != nil {
			return total, &StreamingError{Filename: art.Filename, Err: err}
		}
	}
	return total, nil
}
