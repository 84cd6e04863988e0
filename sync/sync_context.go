package sync

import "net/http"

// SyncContext holds shared integration configuration.
// It is immutable after construction: components receive it by pointer
// but must not modify it, so a single context can back the fetcher,
// the token guardian and the polling engine for one integration.
type SyncContext struct {
	Settings      Settings
	IntegrationID string

	// RecordRequests captures API traffic under testdata for fixture replay.
	RecordRequests bool
	// Transport overrides the HTTP transport when set; takes precedence
	// over RecordRequests.
	Transport http.RoundTripper
}
