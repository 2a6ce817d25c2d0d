package step

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive/graph"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive/s3bucket"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/stepconf"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

// Storage providers.
const (
	ProviderSharePoint = "sharepoint"
	ProviderS3         = "s3"
)

const (
	defaultChunkSizeMB          = 4
	defaultMaxChunkRetry        = 60
	defaultChunkRetryWindowSecs = 600
	mib                         = 1024 * 1024
)

// Inputs is the raw step configuration, as read from the environment.
type Inputs struct {
	StorageProvider string `env:"storage_provider"`
	FilePath        string `env:"file_path,required"`
	UploadPath      string `env:"upload_path"`

	SiteName         string          `env:"site_name"`
	HostName         string          `env:"sharepoint_host_name"`
	TenantID         string          `env:"tenant_id"`
	ClientID         string          `env:"client_id"`
	ClientSecret     stepconf.Secret `env:"client_secret"`
	LoginEndpoint    string          `env:"login_endpoint"`
	GraphEndpoint    string          `env:"graph_endpoint"`
	ConflictBehavior string          `env:"conflict_behavior"`

	AWSBucket          string          `env:"aws_bucket"`
	AWSRegion          string          `env:"aws_region"`
	AWSAccessKeyID     stepconf.Secret `env:"aws_access_key_id"`
	AWSSecretAccessKey stepconf.Secret `env:"aws_secret_access_key"`

	ChunkSizeMB          int    `env:"chunk_size_mb"`
	MaxRetry             string `env:"max_retry"`
	MaxChunkRetry        int    `env:"max_chunk_retry"`
	ChunkRetryWindowSecs int    `env:"chunk_retry_window_secs"`
	VerboseLog           bool   `env:"verbose_log"`

	DeployDir string `env:"BITRISE_DEPLOY_DIR"`
}

// Config is the validated configuration of an upload run.
type Config struct {
	Provider   string
	Pattern    string
	UploadPath string
	Verbose    bool

	Credentials graph.Credentials
	Site        graph.ClientParams
	Bucket      s3bucket.Params

	Upload upload.Config
	Chunk  chunkuploader.Config

	// ManifestDir is where the JSON manifest is written. A temporary directory is used if empty.
	ManifestDir string
}

// ProcessConfig reads the inputs and turns them into a Config.
func (s Step) ProcessConfig() (Config, error) {
	var inputs Inputs
	if err := s.inputParser.Parse(&inputs); err != nil {
		return Config{}, err
	}
	stepconf.Print(inputs)
	s.logger.Println()
	s.logger.EnableDebugLog(inputs.VerboseLog)

	return processInputs(inputs, s.pathModifier)
}

func processInputs(inputs Inputs, pathModifier pathutil.PathModifier) (Config, error) {
	provider := strings.ToLower(strings.TrimSpace(inputs.StorageProvider))
	if provider == "" {
		provider = ProviderSharePoint
	}

	chunkSizeMB := inputs.ChunkSizeMB
	if chunkSizeMB == 0 {
		chunkSizeMB = defaultChunkSizeMB
	}
	if chunkSizeMB < 0 {
		return Config{}, fmt.Errorf("chunk_size_mb should be positive, got %d", chunkSizeMB)
	}
	chunkSize := int64(chunkSizeMB) * mib

	config := Config{
		Provider:   provider,
		Pattern:    inputs.FilePath,
		UploadPath: inputs.UploadPath,
		Verbose:    inputs.VerboseLog,
	}

	switch provider {
	case ProviderSharePoint:
		if chunkSize > graph.MaxFragmentSize {
			return Config{}, fmt.Errorf("chunk_size_mb should be at most %d for %s, got %d", graph.MaxFragmentSize/mib, provider, chunkSizeMB)
		}

		missing := missingInputs(map[string]string{
			"site_name":            inputs.SiteName,
			"sharepoint_host_name": inputs.HostName,
			"tenant_id":            inputs.TenantID,
			"client_id":            inputs.ClientID,
			"client_secret":        string(inputs.ClientSecret),
		})
		if len(missing) > 0 {
			return Config{}, fmt.Errorf("missing inputs for %s: %s", provider, strings.Join(missing, ", "))
		}

		config.Credentials = graph.Credentials{
			TenantID:      inputs.TenantID,
			ClientID:      inputs.ClientID,
			ClientSecret:  string(inputs.ClientSecret),
			LoginEndpoint: inputs.LoginEndpoint,
			GraphEndpoint: inputs.GraphEndpoint,
		}
		config.Site = graph.ClientParams{
			BaseURL:          config.Credentials.BaseURL(),
			HostName:         inputs.HostName,
			SiteName:         inputs.SiteName,
			ConflictBehavior: inputs.ConflictBehavior,
		}
	case ProviderS3:
		missing := missingInputs(map[string]string{
			"aws_bucket": inputs.AWSBucket,
			"aws_region": inputs.AWSRegion,
		})
		if len(missing) > 0 {
			return Config{}, fmt.Errorf("missing inputs for %s: %s", provider, strings.Join(missing, ", "))
		}

		if chunkSize < s3bucket.MinPartSize {
			chunkSize = s3bucket.MinPartSize
		}
		config.Bucket = s3bucket.Params{
			Region:          inputs.AWSRegion,
			Bucket:          inputs.AWSBucket,
			AccessKeyID:     string(inputs.AWSAccessKeyID),
			SecretAccessKey: string(inputs.AWSSecretAccessKey),
			PartSize:        chunkSize,
		}
	default:
		return Config{}, fmt.Errorf("unknown storage provider: %s", inputs.StorageProvider)
	}

	config.Upload = upload.Config{
		ChunkSize: chunkSize,
		MaxRetry:  parseMaxRetry(inputs.MaxRetry),
		RetryWait: upload.DefaultRetryWait,
	}

	maxChunkRetry := inputs.MaxChunkRetry
	if maxChunkRetry <= 0 {
		maxChunkRetry = defaultMaxChunkRetry
	}
	retryWindowSecs := inputs.ChunkRetryWindowSecs
	if retryWindowSecs <= 0 {
		retryWindowSecs = defaultChunkRetryWindowSecs
	}
	config.Chunk = chunkuploader.Config{
		ChunkSize:        chunkSize,
		MaxRetryPerChunk: maxChunkRetry,
		RetryWindow:      time.Duration(retryWindowSecs) * time.Second,
	}
	if err := config.Chunk.Validate(); err != nil {
		return Config{}, err
	}

	if inputs.DeployDir != "" {
		dir, err := pathModifier.AbsPath(inputs.DeployDir)
		if err != nil {
			return Config{}, fmt.Errorf("invalid deploy dir: %w", err)
		}
		config.ManifestDir = dir
	}

	return config, nil
}

// parseMaxRetry falls back to the default for values that are not numbers and
// allows at least one attempt.
func parseMaxRetry(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return upload.DefaultMaxRetry
	}
	if n < 1 {
		return 1
	}
	return n
}

func missingInputs(inputs map[string]string) []string {
	var missing []string
	for key, value := range inputs {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
