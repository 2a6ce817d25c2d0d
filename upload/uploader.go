// Package upload uploads local files to a remote drive: small files with a single request,
// larger ones chunk by chunk through a resumable upload session.
package upload

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

const (
	// DefaultMaxRetry is the default number of attempts per file.
	DefaultMaxRetry = 3
	// DefaultRetryWait is the wait between two attempts of the same file.
	DefaultRetryWait = 3 * time.Second
)

// Config ...
type Config struct {
	// ChunkSize is the size of a chunk; smaller files are uploaded with a single request.
	ChunkSize int64
	// MaxRetry is the number of attempts per file, at least 1.
	MaxRetry  int
	RetryWait time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ChunkSize: chunkuploader.DefaultChunkSize,
		MaxRetry:  DefaultMaxRetry,
		RetryWait: DefaultRetryWait,
	}
}

func (c Config) maxAttempts() int {
	if c.MaxRetry < 1 {
		return 1
	}
	return c.MaxRetry
}

// Outcome is the result of uploading a single file.
type Outcome struct {
	Target   Target        `json:"target"`
	Item     *drive.Item   `json:"item,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Succeeded ...
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Item != nil
}

// Uploader uploads files one after the other.
type Uploader struct {
	config   Config
	drive    drive.Drive
	sessions sessionManager
	reporter Reporter
	logger   log.Logger
}

// NewUploader ...
func NewUploader(config Config, d drive.Drive, sender ChunkSender, reporter Reporter, logger log.Logger) (*Uploader, error) {
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if reporter == nil {
		reporter = MultiReporter{}
	}

	return &Uploader{
		config: config,
		drive:  d,
		sessions: sessionManager{
			drive:     d,
			sender:    sender,
			chunkSize: config.ChunkSize,
			logger:    logger,
		},
		reporter: reporter,
		logger:   logger,
	}, nil
}

// UploadAll uploads targets in order and stops at the first file that could not be uploaded.
// The returned outcomes include the failed file.
func (u *Uploader) UploadAll(ctx context.Context, targets []Target) ([]Outcome, error) {
	var outcomes []Outcome
	for i, target := range targets {
		u.logger.Println()
		u.logger.Infof("Uploading %s (%d/%d)", target, i+1, len(targets))

		outcome := u.UploadFile(ctx, target)
		outcomes = append(outcomes, outcome)
		if outcome.Err != nil {
			return outcomes, outcome.Err
		}
	}
	return outcomes, nil
}

// UploadFile uploads a single file, retrying the whole file from the beginning when an attempt fails.
// A failed outcome carries a *FileUploadFailedError.
func (u *Uploader) UploadFile(ctx context.Context, target Target) Outcome {
	maxAttempts := u.config.maxAttempts()
	startTime := time.Now()

	var item *drive.Item
	var lastErr error
	attempts := 0

	// The wait between attempts happens in the action, so cancellation interrupts it.
	_ = retry.Times(uint(maxAttempts-1)).Wait(0).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			if err := sleepContext(ctx, u.config.RetryWait); err != nil {
				lastErr = err
				return err, true
			}
		}
		attempts = int(attempt) + 1
		if err := ctx.Err(); err != nil {
			lastErr = err
			return err, true
		}

		var err error
		item, err = u.uploadOnce(ctx, target)
		if err == nil {
			return nil, true
		}

		lastErr = err
		u.reporter.Report(Event{
			Kind:        EventAttemptFailed,
			Target:      target,
			Attempt:     attempts,
			MaxAttempts: maxAttempts,
			Err:         err,
		})

		return err, ctx.Err() != nil
	})

	outcome := Outcome{
		Target:   target,
		Attempts: attempts,
		Elapsed:  time.Since(startTime),
	}
	if item == nil {
		outcome.Err = &FileUploadFailedError{Target: target, Attempts: attempts, Err: lastErr}
		u.reporter.Report(Event{
			Kind:        EventFailed,
			Target:      target,
			Attempt:     attempts,
			MaxAttempts: maxAttempts,
			Err:         outcome.Err,
			Elapsed:     outcome.Elapsed,
		})
		return outcome
	}

	outcome.Item = item
	u.reporter.Report(Event{
		Kind:        EventSucceeded,
		Target:      target,
		Offset:      target.Size,
		Total:       target.Size,
		Attempt:     attempts,
		MaxAttempts: maxAttempts,
		Item:        item,
		Elapsed:     outcome.Elapsed,
	})
	return outcome
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (u *Uploader) uploadOnce(ctx context.Context, target Target) (*drive.Item, error) {
	progress := func(offset, total int64) {
		u.reporter.Report(Event{
			Kind:   EventProgress,
			Target: target,
			Offset: offset,
			Total:  total,
		})
	}

	if target.Size < u.config.ChunkSize {
		return u.uploadDirect(ctx, target)
	}
	return u.sessions.run(ctx, target, progress)
}

// uploadDirect sends the file with a single request, without an upload session.
func (u *Uploader) uploadDirect(ctx context.Context, target Target) (*drive.Item, error) {
	file, err := os.Open(target.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target.LocalPath, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", target.LocalPath, err)
		}
	}()

	folder, err := u.drive.ResolveFolder(ctx, target.RemoteFolder)
	if err != nil {
		return nil, fmt.Errorf("resolve folder %q: %w", target.RemoteFolder, err)
	}

	return u.drive.UploadSmall(ctx, folder, target.Name(), file, target.Size)
}
