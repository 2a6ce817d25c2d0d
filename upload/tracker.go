package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerReporter sends the terminal outcome of every file upload to the analytics backend.
type TrackerReporter struct {
	tracker analytics.Tracker
}

// NewTrackerReporter ...
func NewTrackerReporter(stepID, provider string, envRepo env.Repository, logger log.Logger) TrackerReporter {
	p := analytics.Properties{
		"step_id":           stepID,
		"step_execution_id": envRepo.Get("BITRISE_STEP_EXECUTION_ID"),
		"storage_provider":  provider,
		"build_slug":        envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":          envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":          envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build":       envRepo.Get("IS_PR") == "true",
	}
	return newTrackerReporter(analytics.NewDefaultTracker(logger, p))
}

func newTrackerReporter(tracker analytics.Tracker) TrackerReporter {
	return TrackerReporter{tracker: tracker}
}

// Report ...
func (t TrackerReporter) Report(e Event) {
	switch e.Kind {
	case EventSucceeded:
		t.tracker.Enqueue("step_file_uploaded", analytics.Properties{
			"upload_time_s":     e.Elapsed.Truncate(time.Second).Seconds(),
			"upload_size_bytes": e.Target.Size,
			"attempts":          e.Attempt,
		})
	case EventFailed:
		t.tracker.Enqueue("step_file_upload_failed", analytics.Properties{
			"upload_time_s":     e.Elapsed.Truncate(time.Second).Seconds(),
			"upload_size_bytes": e.Target.Size,
			"attempts":          e.Attempt,
		})
	}
}

// Wait blocks until the queued events are sent.
func (t TrackerReporter) Wait() {
	t.tracker.Wait()
}
