package pano

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stitch or capture failure.
type ErrorKind int

const (
	// KindInsufficientFrames means fewer than two usable frames; the caller restarts capture.
	KindInsufficientFrames ErrorKind = iota + 1
	// KindFeatureDetectionFailed means registration found too few features.
	KindFeatureDetectionFailed
	// KindHomographyEstimationFailed means too few inliers or a degenerate transform chain.
	KindHomographyEstimationFailed
	// KindEngineUnavailable means a stitching strategy cannot run in this build/environment.
	KindEngineUnavailable
	// KindEncodingFailed means an output buffer could not be produced or encoded.
	KindEncodingFailed
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientFrames:
		return "InsufficientFrames"
	case KindFeatureDetectionFailed:
		return "FeatureDetectionFailed"
	case KindHomographyEstimationFailed:
		return "HomographyEstimationFailed"
	case KindEngineUnavailable:
		return "EngineUnavailable"
	case KindEncodingFailed:
		return "EncodingFailed"
	default:
		return "Unknown"
	}
}

// Error is the typed failure returned by capture, stitching and projection.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInsufficientFrames         = &Error{Kind: KindInsufficientFrames}
	ErrFeatureDetectionFailed     = &Error{Kind: KindFeatureDetectionFailed}
	ErrHomographyEstimationFailed = &Error{Kind: KindHomographyEstimationFailed}
	ErrEngineUnavailable          = &Error{Kind: KindEngineUnavailable}
	ErrEncodingFailed             = &Error{Kind: KindEncodingFailed}
)

// Errorf builds a typed error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or 0 when err is not a typed error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
