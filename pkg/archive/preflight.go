package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Mode defines how aggressive archive preflight checks are.
type Mode string

const (
	// ModeSkip performs no checks.
	ModeSkip Mode = "skip"

	// ModeStat verifies the backend answers metadata requests.
	ModeStat Mode = "stat"

	// ModeWriteProbe additionally writes and deletes a probe object,
	// proving the principal can actually archive artifacts.
	ModeWriteProbe Mode = "write-probe"
)

// ProbePrefix is where write probes land. Kept out of job key space so
// probes never collide with archived artifacts.
const ProbePrefix = "_codequeue/probe/"

// Capability names are stable strings used in reports.
const (
	CapArchiveHead  = "archive.head"
	CapArchiveWrite = "archive.write"
)

// Error codes for CheckResult.
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeThrottled    = "THROTTLED"
	CodeInternal     = "INTERNAL"
)

// CheckResult is a single capability check result.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report is the outcome of a preflight run.
//
// Reports are emitted early, before the engine starts accepting work.
// They provide an explicit contract for what was checked and whether the
// principal appears to have the required permissions.
type Report struct {
	Mode    string        `json:"mode"`
	Results []CheckResult `json:"results"`
}

// Preflight verifies the archive backend is usable before the engine
// relies on it.
//
// Ordering (fail-fast): head probe, then write probe when enabled. A
// head probe that comes back ErrNotFound is a pass: the random key is
// not supposed to exist, the point is that the backend answered.
func Preflight(ctx context.Context, a Archiver, mode Mode) (*Report, error) {
	rec := &Report{
		Mode:    string(mode),
		Results: []CheckResult{},
	}

	if mode == ModeSkip || mode == "" {
		return rec, nil
	}

	probeKey := JoinKey(ProbePrefix, "head-"+uuid.NewString())
	_, headErr := a.Head(ctx, probeKey)
	if headErr != nil && !IsNotFound(headErr) {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapArchiveHead,
			Allowed:    false,
			Method:     "Head(random)",
			ErrorCode:  normalizeErrorCode(headErr),
			Detail:     headErr.Error(),
		})
		return rec, headErr
	}
	rec.Results = append(rec.Results, CheckResult{
		Capability: CapArchiveHead,
		Allowed:    true,
		Method:     "Head(random)",
	})

	if mode != ModeWriteProbe {
		return rec, nil
	}

	writeKey := JoinKey(ProbePrefix, "write-"+uuid.NewString())
	method := fmt.Sprintf("Put+Delete(%s)", writeKey)
	if err := a.Put(ctx, writeKey, bytes.NewReader(nil), 0); err != nil {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapArchiveWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	if err := a.Delete(ctx, writeKey); err != nil {
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapArchiveWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     "probe object written but not deleted: " + err.Error(),
		})
		return rec, err
	}
	rec.Results = append(rec.Results, CheckResult{
		Capability: CapArchiveWrite,
		Allowed:    true,
		Method:     method,
	})

	return rec, nil
}

func normalizeErrorCode(err error) string {
	switch {
	case IsAccessDenied(err), IsInvalidCredentials(err):
		return CodeAccessDenied
	case IsBucketNotFound(err), IsNotFound(err):
		return CodeNotFound
	case IsThrottled(err):
		return CodeThrottled
	default:
		return CodeInternal
	}
}
