package crawler

import (
	"errors"
	"fmt"
)

// Fatal errors surfaced by Orchestrator.Crawl.
var (
	// ErrInvalidInput rejects a request before any work begins.
	ErrInvalidInput = errors.New("invalid input")
	// ErrResourceAcquisition is returned when the renderer engine cannot start.
	ErrResourceAcquisition = errors.New("renderer engine unavailable")
	// ErrSessionCreate is returned when the session record cannot be created.
	ErrSessionCreate = errors.New("session create failed")
	// ErrSessionStore is returned when the session store fails mid-crawl.
	ErrSessionStore = errors.New("session store failure")
)

// Store-level errors.
var (
	// ErrSessionNotFound signals that the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal signals a write against a session that already finished.
	ErrSessionTerminal = errors.New("session already finalized")
)

// Per-page errors. These never escape Crawl; they are recorded on the session.
var (
	ErrRender   = errors.New("render failed")
	ErrOptimize = errors.New("optimize failed")
	ErrPersist  = errors.New("persist failed")
)

// FailureKind tags why a page did not make it into the page store.
type FailureKind string

// Page failure kinds.
const (
	FailureRender  FailureKind = "render"
	FailureEmpty   FailureKind = "empty"
	FailurePersist FailureKind = "persist"
)

// RenderError describes a renderer failure for one URL.
type RenderError struct {
	URL    string
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("render %s: %s", e.URL, e.Reason)
}

// Unwrap lets errors.Is match both ErrRender and the underlying cause.
func (e *RenderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRender}
	}
	return []error{ErrRender, e.Err}
}

// NewRenderError builds a RenderError.
func NewRenderError(rawURL, reason string, err error) *RenderError {
	return &RenderError{URL: rawURL, Reason: reason, Err: err}
}
