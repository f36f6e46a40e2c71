// Package cloud defines the image API surface the reconciler drives. Every
// call reports its outcome as a tagged result rather than bare errors, so
// callers branch on the tag (retry transient, record permanent) instead of
// string-matching provider exceptions.
package cloud

import "context"

// Status tags the outcome of one remote call.
type Status int

const (
	// OK means the call succeeded, including provider-level no-ops.
	OK Status = iota
	// Transient means the call failed in a way retries may resolve (rate
	// limiting, timeouts, server errors).
	Transient
	// Permanent means retrying cannot help (authorization, validation,
	// missing resource).
	Permanent
)

// Result is the outcome of one remote call.
type Result struct {
	Status Status
	// Code is the provider error code, when the provider supplied one.
	Code string
	// NotFound is set when the call failed because the image does not
	// exist. Deletion treats it as success.
	NotFound bool
	Err      error
}

// Succeeded reports whether the call completed.
func (r Result) Succeeded() bool {
	return r.Status == OK
}

// Image is the observed remote state of one image.
type Image struct {
	// Exists is false when the image is gone (or never existed).
	Exists bool
	// IsPublic reports whether the image is shared publicly. Public
	// images must be made private before deletion.
	IsPublic bool
	// Tags holds the image's resource tags.
	Tags map[string]string
}

// ImageAPI is the provider operation set the reconciler needs. All
// operations are idempotent from the caller's perspective.
type ImageAPI interface {
	DescribeImage(ctx context.Context, region, imageID string) (Image, Result)
	TagImage(ctx context.Context, region, imageID, key, value string) Result
	SetImageVisibility(ctx context.Context, region, imageID string, public bool) Result
	DeleteImage(ctx context.Context, region, imageID string) Result
}
