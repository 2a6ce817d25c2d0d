package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/export"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/step"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/stepconf"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload"
)

const stepID = "sharepoint-upload"

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()

	s := step.NewStep(
		stepconf.NewInputParser(envRepo),
		logger,
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		export.NewExporter(command.NewFactory(envRepo)),
		nil,
	)

	config, err := s.ProcessConfig()
	if err != nil {
		logger.Errorf("Process config: %s", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := upload.NewTrackerReporter(stepID, config.Provider, envRepo, logger)
	defer tracker.Wait()

	reporter, closeReporter := newReporter(logger, tracker)
	result, runErr := s.Run(ctx, config, reporter)
	closeReporter()

	if err := s.Export(config, result); err != nil {
		logger.Warnf("Failed to export outputs: %s", err)
	}

	if runErr != nil {
		logger.Println()
		logger.Errorf("Upload failed: %s", runErr)
		return 1
	}
	return 0
}

// newReporter narrates events on the caller's goroutine and hands them to background on
// a separate one. The returned func flushes background.
func newReporter(logger log.Logger, background upload.Reporter) (upload.Reporter, func()) {
	events := upload.NewChannelReporter(16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events.Events() {
			background.Report(e)
		}
	}()

	return upload.MultiReporter{upload.NewLogReporter(logger), events}, func() {
		events.Close()
		wg.Wait()
	}
}
