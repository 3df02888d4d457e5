package transfer

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const (
	// MiB ...
	MiB = 1024 * 1024

	// MaxPartSize is the largest part S3 accepts.
	MaxPartSize = 5 * 1024 * MiB
	// MaxParts is the maximum number of parts of a multipart upload.
	MaxParts = 10000
)

// Env keys read by ConfigFromEnv.
const (
	MultipartThresholdEnvKey = "S3TRANSFER_MULTIPART_THRESHOLD"
	PartSizeEnvKey           = "S3TRANSFER_PART_SIZE"
	ConcurrencyEnvKey        = "S3TRANSFER_CONCURRENCY"
	MaxRetryPerPartEnvKey    = "S3TRANSFER_MAX_RETRY_PER_PART"
	DownloadAttemptsEnvKey   = "S3TRANSFER_DOWNLOAD_ATTEMPTS"
	HungThresholdEnvKey      = "S3TRANSFER_HUNG_THRESHOLD"
	DetectContentTypeEnvKey  = "S3TRANSFER_DETECT_CONTENT_TYPE"
)

// Config holds configuration for transfers.
type Config struct {
	// MultipartThreshold is the size from which transfers are split into parts.
	// Default: 8MiB
	MultipartThreshold int64

	// PartSize is the size of each part (the last one may be shorter).
	// 0 picks a size based on the object size and Concurrency.
	// Default: 8MiB
	PartSize int64

	// Concurrency is the maximum number of parts transferred in parallel.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerPart is the number of retries of a failed part upload.
	// Default: 3
	MaxRetryPerPart int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff between attempts.
	// Default: 1 second and 30 seconds
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// NumDownloadAttempts is the number of attempts of each GET request,
	// including the first one.
	// Default: 5
	NumDownloadAttempts int

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average part upload time by this amount. 0 disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// DetectContentType sets the ContentType of uploads from the file content,
	// unless given in the extra args.
	DetectContentType bool

	// Tracker receives transfer events. Optional.
	Tracker analytics.Tracker
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MultipartThreshold:  8 * MiB,
		PartSize:            8 * MiB,
		Concurrency:         DefaultConcurrency(),
		MaxRetryPerPart:     3,
		RetryWaitMin:        time.Second,
		RetryWaitMax:        30 * time.Second,
		NumDownloadAttempts: 5,
		HungThreshold:       30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// Validate ...
func (c Config) Validate() error {
	switch {
	case c.MultipartThreshold <= 0:
		return fmt.Errorf("%w: MultipartThreshold must be positive, got %d", ErrInvalidConfig, c.MultipartThreshold)
	case c.PartSize < 0:
		return fmt.Errorf("%w: PartSize must not be negative, got %d", ErrInvalidConfig, c.PartSize)
	case c.PartSize > MaxPartSize:
		return fmt.Errorf("%w: PartSize must not exceed %s", ErrInvalidConfig, units.BytesSize(MaxPartSize))
	case c.Concurrency < 1:
		return fmt.Errorf("%w: Concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	case c.MaxRetryPerPart < 0:
		return fmt.Errorf("%w: MaxRetryPerPart must not be negative, got %d", ErrInvalidConfig, c.MaxRetryPerPart)
	case c.NumDownloadAttempts < 1:
		return fmt.Errorf("%w: NumDownloadAttempts must be at least 1, got %d", ErrInvalidConfig, c.NumDownloadAttempts)
	case c.RetryWaitMin < 0 || c.RetryWaitMax < c.RetryWaitMin:
		return fmt.Errorf("%w: invalid retry wait range [%s, %s]", ErrInvalidConfig, c.RetryWaitMin, c.RetryWaitMax)
	case c.HungThreshold < 0:
		return fmt.Errorf("%w: HungThreshold must not be negative", ErrInvalidConfig)
	}
	return nil
}

// partSizeFor returns the part size used for an object of totalSize bytes.
// It is grown until the object fits into MaxParts parts.
func (c Config) partSizeFor(totalSize int64) int64 {
	partSize := c.PartSize
	if partSize == 0 {
		partSize = OptimalPartSize(totalSize, c.Concurrency)
	}

	if minSize := (totalSize + MaxParts - 1) / MaxParts; partSize < minSize {
		partSize = minSize
	}
	return partSize
}

// OptimalPartSize calculates the part size based on total size and concurrency.
func OptimalPartSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	return int64(optimalPartSize(uint64(totalSize), 8*MiB, 100*MiB, uint64(concurrency)))
}

func optimalPartSize(totalSize, min, max, concurrency uint64) uint64 {
	ps := totalSize / concurrency

	// Halve very large parts to improve parallelism
	if ps >= 100*MiB {
		ps = ps / 2
	}

	if ps < min {
		ps = min
	}

	if max > 0 && ps > max {
		ps = max
	}

	return ps
}

// ConfigFromEnv returns the default configuration overridden by the S3TRANSFER_* env vars.
// Sizes accept human readable values like "16MB".
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	sizes := map[string]*int64{
		MultipartThresholdEnvKey: &config.MultipartThreshold,
		PartSizeEnvKey:           &config.PartSize,
	}
	for key, target := range sizes {
		value := envRepo.Get(key)
		if value == "" {
			continue
		}
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", key, err)
		}
		*target = size
	}

	ints := map[string]*int{
		ConcurrencyEnvKey:      &config.Concurrency,
		MaxRetryPerPartEnvKey:  &config.MaxRetryPerPart,
		DownloadAttemptsEnvKey: &config.NumDownloadAttempts,
	}
	for key, target := range ints {
		value := envRepo.Get(key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", key, err)
		}
		*target = n
	}

	if value := envRepo.Get(HungThresholdEnvKey); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", HungThresholdEnvKey, err)
		}
		config.HungThreshold = d
	}

	if value := envRepo.Get(DetectContentTypeEnvKey); value != "" {
		detect, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", DetectContentTypeEnvKey, err)
		}
		config.DetectContentType = detect
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}
