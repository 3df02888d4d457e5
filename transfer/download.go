package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/bitrise-io/go-s3transfer/osutil"
)

// downloadSession holds the state shared by the GET requests of one download.
// Every request is pinned to etag.
type downloadSession struct {
	bucket   string
	key      string
	etag     string
	args     downloadArgs
	dest     osutil.WriteAtCloser
	stats    *Stats
	ranged   bool
	progress *progressRelay
}

// DownloadFile downloads bucket/key to the named file.
// The object is written to a temporary file next to filename, which is renamed
// into place once every byte arrived and removed on failure.
func (t *Transfer) DownloadFile(ctx context.Context, bucket, key, filename string, extraArgs ExtraArgs, callback ProgressFunc) error {
	args, err := parseDownloadArgs(extraArgs)
	if err != nil {
		return err
	}

	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		VersionId:    args.versionID,
		RequestPayer: args.requestPayer,
	})
	if err != nil {
		return newServiceError("HeadObject", err)
	}
	size := aws.ToInt64(head.ContentLength)

	tmpName := tempName(filename)
	dest, err := t.osUtils.Create(tmpName)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpName, err)
	}

	session := &downloadSession{
		bucket:   bucket,
		key:      key,
		etag:     aws.ToString(head.ETag),
		args:     args,
		dest:     dest,
		stats:    NewStats(),
		progress: newProgressRelay(callback),
	}

	start := time.Now()
	err = t.download(ctx, session, size)
	session.progress.close()

	if closeErr := dest.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", tmpName, closeErr)
	}
	if err == nil {
		if renameErr := t.osUtils.Rename(tmpName, filename); renameErr != nil {
			err = fmt.Errorf("move download into place: %w", renameErr)
		}
	}
	if err != nil {
		if removeErr := t.osUtils.Remove(tmpName); removeErr != nil {
			t.logger.Warnf("Failed to remove %s: %s", tmpName, removeErr)
		}
		return err
	}

	took := time.Since(start)
	t.tracker.logDownloadCompleted(took, size, session.ranged, session.stats)
	t.logger.Donef("Downloaded %s to %s in %s", units.HumanSize(float64(size)), filename, took.Round(time.Millisecond))
	return nil
}

func (t *Transfer) download(ctx context.Context, session *downloadSession, size int64) error {
	if size < t.config.MultipartThreshold {
		t.logger.Infof("Downloading s3://%s/%s (%s)", session.bucket, session.key, units.HumanSize(float64(size)))
		return t.downloadChunkWithRetry(ctx, session, ChunkSpec{Start: 0, Size: size})
	}

	session.ranged = true
	chunks := Partition(size, t.config.partSizeFor(size))
	t.logger.Infof("Downloading s3://%s/%s (%s) in %d ranges of %s",
		session.bucket, session.key, units.HumanSize(float64(size)), len(chunks), units.HumanSize(float64(chunks[0].Size)))

	return forEachChunk(ctx, chunks, t.config.Concurrency, func(ctx context.Context, index int, chunk ChunkSpec) error {
		return t.downloadChunkWithRetry(ctx, session, chunk)
	})
}

func (t *Transfer) downloadChunkWithRetry(ctx context.Context, session *downloadSession, chunk ChunkSpec) error {
	name := "Download"
	if session.ranged {
		name = fmt.Sprintf("Download of %s", chunk.RangeHeader())
	}
	attempts, err := t.withRetry(ctx, t.config.NumDownloadAttempts-1, session.stats, name, func(attempt uint) error {
		start := time.Now()
		if err := t.downloadChunk(ctx, session, chunk); err != nil {
			return err
		}
		session.stats.Update(time.Since(start), chunk.Size)
		return nil
	})

	if err != nil && ctx.Err() == nil && isRetryable(err) {
		return &RetriesExceededError{Attempts: attempts, Err: err}
	}
	return err
}

// downloadChunk writes the window of the object at its offset of the destination.
func (t *Transfer) downloadChunk(ctx context.Context, session *downloadSession, chunk ChunkSpec) error {
	input := &s3.GetObjectInput{
		Bucket:       aws.String(session.bucket),
		Key:          aws.String(session.key),
		VersionId:    session.args.versionID,
		RequestPayer: session.args.requestPayer,
	}
	if session.ranged {
		input.Range = aws.String(chunk.RangeHeader())
	}
	if session.etag != "" {
		input.IfMatch = aws.String(session.etag)
	}

	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		return newServiceError("GetObject", err)
	}
	defer out.Body.Close() //nolint:errcheck

	if out.ContentLength != nil && *out.ContentLength != chunk.Size {
		return fmt.Errorf("%w: s3://%s/%s returned %d bytes for a %d byte window",
			ErrObjectChanged, session.bucket, session.key, *out.ContentLength, chunk.Size)
	}

	body := NewStreamReaderProgress(chunk.Bound(out.Body), session.progress.report)
	written, err := io.Copy(io.NewOffsetWriter(session.dest, chunk.Start), body)
	if err == nil && written < chunk.Size {
		err = io.ErrUnexpectedEOF
	}
	if err == nil {
		// A body longer than the window is not the object HEAD described.
		if n, _ := out.Body.Read(make([]byte, 1)); n > 0 {
			err = fmt.Errorf("%w: more than %d bytes returned", ErrObjectChanged, chunk.Size)
		}
	}
	if err != nil {
		// The next attempt writes the window again from its start.
		session.progress.report(-body.pos)
		return fmt.Errorf("read s3://%s/%s at offset %d: %w", session.bucket, session.key, chunk.Start+body.pos, err)
	}

	return nil
}

func tempName(filename string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filename + "." + suffix
}
