package chat

import "context"

// RecordingStatus is the lifecycle status of a durable recording.
type RecordingStatus string

const (
	RecordingActive RecordingStatus = "active"
	RecordingEnded  RecordingStatus = "ended"
	RecordingError  RecordingStatus = "error"
)

// AutoWatchTenant is a tenant registered for liveness detection.
type AutoWatchTenant struct {
	Tenant  TenantID
	Channel string
}

// Store is the persistence the pool depends on. Failures are logged and
// swallowed by the caller; none of them stop a running session.
type Store interface {
	// OpenRecording creates an active recording and returns its id.
	OpenRecording(ctx context.Context, tenant TenantID, videoID string) (int64, error)
	// Checkpoint writes the current counters of an active recording.
	Checkpoint(ctx context.Context, recordingID int64, stats Stats) error
	// FinalizeRecording closes a recording with its final counters.
	FinalizeRecording(ctx context.Context, recordingID int64, status RecordingStatus, detail string, stats Stats) error
	CreateNotification(ctx context.Context, tenant TenantID, kind, title, body string) error
	ListAutoWatch(ctx context.Context) ([]AutoWatchTenant, error)
	UpdateResolvedTarget(ctx context.Context, tenant TenantID, videoID string) error
}
