// Package step wires the inputs, the remote drive and the uploader into a single upload run.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive/graph"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive/s3bucket"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/export"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/localfiles"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/stepconf"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

// Outputs
const (
	UploadedFileURLsKey = "SHAREPOINT_UPLOADED_FILE_URLS"
	ManifestPathKey     = "SHAREPOINT_UPLOAD_MANIFEST_PATH"

	manifestFileName = "sharepoint_upload_manifest.json"
)

// DriveFactory creates the remote drive of a run.
type DriveFactory func(ctx context.Context, config Config, logger log.Logger) (drive.Drive, error)

// Result is the outcome of a run.
type Result struct {
	Provider string
	Outcomes []upload.Outcome
	Elapsed  time.Duration
}

// Step ...
type Step struct {
	inputParser  stepconf.InputParser
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	exporter     export.Exporter
	newDrive     DriveFactory
}

// NewStep creates the step. newDrive can be nil, in which case the drive is created from the config.
func NewStep(
	inputParser stepconf.InputParser,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	exporter export.Exporter,
	newDrive DriveFactory,
) Step {
	if newDrive == nil {
		newDrive = NewDrive
	}
	return Step{
		inputParser:  inputParser,
		logger:       logger,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		exporter:     exporter,
		newDrive:     newDrive,
	}
}

// NewDrive creates the drive selected by the storage provider of config.
func NewDrive(ctx context.Context, config Config, logger log.Logger) (drive.Drive, error) {
	switch config.Provider {
	case ProviderSharePoint:
		httpClient, err := graph.NewAuthenticatedClient(ctx, config.Credentials, logger)
		if err != nil {
			return nil, err
		}
		client, err := graph.NewClient(httpClient, chunkuploader.DefaultHTTPClient(), config.Site, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderS3:
		bucket, err := s3bucket.New(ctx, config.Bucket, logger)
		if err != nil {
			return nil, err
		}
		return bucket, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", config.Provider)
	}
}

// Run collects the matching files and uploads them one after the other. The run stops at the first
// file that could not be uploaded, the returned Result holds the outcomes up to and including that file.
func (s Step) Run(ctx context.Context, config Config, reporter upload.Reporter) (Result, error) {
	s.logger.TDebugf("Run start")
	defer s.logger.TDebugf("Run done")

	result := Result{Provider: config.Provider}
	startTime := time.Now()

	collector := localfiles.NewCollector(s.pathModifier, s.logger)
	targets, err := collector.Collect(config.Pattern, config.UploadPath)
	if err != nil {
		return result, fmt.Errorf("failed to collect files: %w", err)
	}

	var totalSize int64
	for _, target := range targets {
		totalSize += target.Size
	}
	s.logger.Infof("Found %d file(s) to upload, %s in total", len(targets), units.HumanSizeWithPrecision(float64(totalSize), 3))
	for _, target := range targets {
		s.logger.Printf("- %s", target)
	}

	d, err := s.newDrive(ctx, config, s.logger)
	if err != nil {
		return result, fmt.Errorf("failed to connect to %s: %w", config.Provider, err)
	}
	s.logger.TDebugf("Drive created")

	sender := chunkuploader.New(config.Chunk, s.logger)
	defer sender.CloseIdleConnections()

	uploader, err := upload.NewUploader(config.Upload, d, sender, reporter, s.logger)
	if err != nil {
		return result, err
	}

	result.Outcomes, err = uploader.UploadAll(ctx, targets)
	result.Elapsed = time.Since(startTime)

	stats := sender.Stats()
	if stats.FinishedCount() > 0 {
		s.logger.Debugf("Sent %d chunk(s), average chunk time: %s, throughput: %s/s",
			stats.FinishedCount(), stats.Average(), units.HumanSize(stats.BytesPerSecond()))
	}
	if err != nil {
		return result, err
	}

	s.logger.Println()
	s.logger.Donef("Uploaded %d file(s) in %s", len(result.Outcomes), result.Elapsed.Round(time.Second))
	return result, nil
}

type manifest struct {
	Provider       string          `json:"provider"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Files          []manifestEntry `json:"files"`
}

type manifestEntry struct {
	LocalPath      string  `json:"local_path"`
	RemoteFolder   string  `json:"remote_folder"`
	Name           string  `json:"name"`
	Size           int64   `json:"size"`
	Attempts       int     `json:"attempts"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ID             string  `json:"id,omitempty"`
	WebURL         string  `json:"web_url,omitempty"`
	Error          string  `json:"error,omitempty"`
}

func newManifest(result Result) manifest {
	m := manifest{
		Provider:       result.Provider,
		ElapsedSeconds: result.Elapsed.Seconds(),
		Files:          []manifestEntry{},
	}
	for _, outcome := range result.Outcomes {
		entry := manifestEntry{
			LocalPath:      outcome.Target.LocalPath,
			RemoteFolder:   outcome.Target.RemoteFolder,
			Name:           outcome.Target.Name(),
			Size:           outcome.Target.Size,
			Attempts:       outcome.Attempts,
			ElapsedSeconds: outcome.Elapsed.Seconds(),
		}
		if outcome.Item != nil {
			entry.ID = outcome.Item.ID
			entry.WebURL = outcome.Item.WebURL
		}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
		}
		m.Files = append(m.Files, entry)
	}
	return m
}

// Export exposes the web URLs of the uploaded files and the path of a JSON manifest describing every outcome.
func (s Step) Export(config Config, result Result) error {
	var urls []string
	for _, outcome := range result.Outcomes {
		if outcome.Succeeded() {
			urls = append(urls, outcome.Item.WebURL)
		}
	}

	var errs []error
	if len(urls) > 0 {
		if err := s.exporter.ExportOutputList(UploadedFileURLsKey, urls); err != nil {
			errs = append(errs, fmt.Errorf("failed to export %s: %w", UploadedFileURLsKey, err))
		} else {
			s.logger.Donef("The uploaded file URLs are available in the %s environment variable", UploadedFileURLsKey)
		}
	}

	content, err := json.MarshalIndent(newManifest(result), "", "  ")
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	dir := config.ManifestDir
	if dir == "" {
		dir, err = s.pathProvider.CreateTempDir("sharepoint-upload")
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	manifestPath := filepath.Join(dir, manifestFileName)
	if err := s.exporter.ExportOutputFileContent(content, manifestPath, ManifestPathKey); err != nil {
		errs = append(errs, fmt.Errorf("failed to export %s: %w", ManifestPathKey, err))
	} else {
		s.logger.Donef("The upload manifest is available in the %s environment variable", ManifestPathKey)
	}

	return errors.Join(errs...)
}
