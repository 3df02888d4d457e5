package transfer

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
)

// TrackerFactory builds a tracker that attaches the given properties to every event.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	SessionIDEnvKey = "S3TRANSFER_SESSION_ID"
	SessionID       = "session_id"
)

// NewTracker creates a tracker tagged with the session ID found in the environment.
// The result is meant for Config.Tracker.
func NewTracker(repository env.Repository, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	sessionID := repository.Get(SessionIDEnvKey)
	if sessionID == "" {
		return nil, fmt.Errorf("no session ID found in %s", SessionIDEnvKey)
	}
	return trackerFactory(analytics.Properties{SessionID: sessionID}), nil
}

type transferTracker struct {
	tracker analytics.Tracker
}

func (t transferTracker) logUploadCompleted(took time.Duration, size int64, parts int, multipart bool) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     took.Truncate(time.Second).Seconds(),
		"upload_size_bytes": size,
		"part_count":        parts,
		"multipart":         multipart,
	}
	t.tracker.Enqueue("s3transfer_upload_completed", properties)
}

func (t transferTracker) logDownloadCompleted(took time.Duration, size int64, multipart bool, stats *Stats) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"download_time_s":     took.Truncate(time.Second).Seconds(),
		"download_size_bytes": size,
		"part_count":          stats.FinishedCount(),
		"part_time_s":         stats.TotalDuration().Truncate(time.Second).Seconds(),
		"retries":             stats.Retries(),
		"multipart":           multipart,
	}
	t.tracker.Enqueue("s3transfer_download_completed", properties)
}

func (t transferTracker) logMultipartAborted(stats *Stats, totalParts int, abortErr error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"finished_parts": stats.FinishedCount(),
		"finished_bytes": stats.Bytes(),
		"total_parts":    totalParts,
		"part_time_s":    stats.TotalDuration().Truncate(time.Second).Seconds(),
		"retries":        stats.Retries(),
		"abort_failed":   abortErr != nil,
	}
	t.tracker.Enqueue("s3transfer_multipart_aborted", properties)
}
