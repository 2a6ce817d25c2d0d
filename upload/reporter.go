package upload

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
)

// EventKind ...
type EventKind int

// Event kinds, in the order they happen during a file upload.
const (
	EventProgress EventKind = iota
	EventAttemptFailed
	EventSucceeded
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventAttemptFailed:
		return "attempt-failed"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a progress update or a terminal outcome of a file upload.
// Offsets may go backwards when a chunk or a whole attempt is retried.
type Event struct {
	Kind        EventKind
	Target      Target
	Offset      int64
	Total       int64
	Attempt     int
	MaxAttempts int
	Item        *drive.Item
	Err         error
	Elapsed     time.Duration
}

// Reporter receives upload events. Implementations must not block for long: the upload
// waits for Report to return.
type Reporter interface {
	Report(Event)
}

// ReporterFunc ...
type ReporterFunc func(Event)

// Report ...
func (f ReporterFunc) Report(e Event) {
	f(e)
}

// ChannelReporter forwards events to a channel, to be consumed by another goroutine.
type ChannelReporter struct {
	mu     sync.RWMutex
	events chan Event
	closed bool
}

// NewChannelReporter ...
func NewChannelReporter(buffer int) *ChannelReporter {
	return &ChannelReporter{events: make(chan Event, buffer)}
}

// Events returns the channel the events are sent to. It is closed by Close.
func (r *ChannelReporter) Events() <-chan Event {
	return r.events
}

// Report sends e to the channel. Events reported after Close are dropped.
func (r *ChannelReporter) Report(e Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	r.events <- e
}

// Close closes the event channel.
func (r *ChannelReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

// LogReporter narrates events on the step log.
type LogReporter struct {
	logger log.Logger
}

// NewLogReporter ...
func NewLogReporter(logger log.Logger) LogReporter {
	return LogReporter{logger: logger}
}

// Report ...
func (r LogReporter) Report(e Event) {
	switch e.Kind {
	case EventProgress:
		r.logger.Printf("Uploaded %d / %d bytes (%.2f%%)", e.Offset, e.Total, percent(e.Offset, e.Total))
	case EventAttemptFailed:
		r.logger.Warnf("Upload attempt %d/%d of %s failed: %s", e.Attempt, e.MaxAttempts, e.Target.Name(), e.Err)
	case EventSucceeded:
		r.logger.Donef("[✓] File uploaded to: %s", e.Item.WebURL)
		r.logger.Printf("%s in %s", units.HumanSize(float64(e.Target.Size)), e.Elapsed.Round(time.Millisecond))
	case EventFailed:
		r.logger.Errorf("Failed to upload %s: %s", e.Target.LocalPath, e.Err)
	}
}

func percent(offset, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(offset) * 100 / float64(total)
}

// MultiReporter sends every event to each of its reporters, in order.
type MultiReporter []Reporter

// Report ...
func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}
