// Package transfer moves files to and from S3. Small files are sent in a single
// request; files from the multipart threshold on are split into parts which are
// transferred in parallel, each streamed from its own byte window of the file.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-s3transfer/osutil"
)

// abortTimeout bounds the abort call of a failed multipart upload,
// which is issued even if the caller's context is already done.
const abortTimeout = 30 * time.Second

// Uploader ...
type Uploader interface {
	UploadFile(ctx context.Context, filename, bucket, key string, extraArgs ExtraArgs, callback ProgressFunc) error
}

// Downloader ...
type Downloader interface {
	DownloadFile(ctx context.Context, bucket, key, filename string, extraArgs ExtraArgs, callback ProgressFunc) error
}

// PartResult is the outcome of a successful part upload.
type PartResult struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Transfer uploads and downloads files. It is safe for concurrent use.
type Transfer struct {
	client  Client
	osUtils osutil.OSUtils
	config  Config
	logger  log.Logger
	tracker transferTracker
}

var (
	_ Uploader   = (*Transfer)(nil)
	_ Downloader = (*Transfer)(nil)
)

// New creates a Transfer. A nil osUtils means the real file system,
// a nil logger means the default logger.
func New(client Client, osUtils osutil.OSUtils, config Config, logger log.Logger) (*Transfer, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if osUtils == nil {
		osUtils = osutil.RealOS{}
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Transfer{
		client:  client,
		osUtils: osUtils,
		config:  config,
		logger:  logger,
		tracker: transferTracker{tracker: config.Tracker},
	}, nil
}

// Config returns the configuration of the transfer.
func (t *Transfer) Config() Config {
	return t.config
}
