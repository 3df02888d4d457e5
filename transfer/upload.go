package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
)

// multipartSession holds the state shared by the parts of one multipart upload.
type multipartSession struct {
	bucket       string
	key          string
	uploadID     string
	requestPayer types.RequestPayer
	filename     string
	totalParts   int
	stats        *Stats
	progress     *progressRelay
}

// UploadFile uploads the named file to bucket/key.
// Files smaller than the multipart threshold are sent with a single PutObject call,
// larger ones with a multipart upload. A failed multipart upload is aborted before
// UploadFile returns, the error is then a *MultipartAbortedError.
func (t *Transfer) UploadFile(ctx context.Context, filename, bucket, key string, extraArgs ExtraArgs, callback ProgressFunc) error {
	args, err := parseUploadArgs(extraArgs)
	if err != nil {
		return err
	}

	size, err := t.osUtils.FileSize(filename)
	if err != nil {
		return fmt.Errorf("get file size: %w", err)
	}

	if t.config.DetectContentType && args.contentType == nil && size > 0 {
		contentType, err := t.detectContentType(filename)
		if err != nil {
			return fmt.Errorf("detect content type: %w", err)
		}
		t.logger.Debugf("Detected content type of %s: %s", filename, contentType)
		args.contentType = aws.String(contentType)
	}

	start := time.Now()

	if size < t.config.MultipartThreshold {
		t.logger.Infof("Uploading %s (%s) to s3://%s/%s", filename, units.HumanSize(float64(size)), bucket, key)
		if err := t.putObject(ctx, filename, bucket, key, size, args, callback); err != nil {
			return err
		}
		took := time.Since(start)
		t.tracker.logUploadCompleted(took, size, 1, false)
		t.logger.Donef("Uploaded %s in %s", units.HumanSize(float64(size)), took.Round(time.Millisecond))
		return nil
	}

	parts, err := t.multipartUpload(ctx, filename, bucket, key, size, args, callback)
	if err != nil {
		return err
	}
	took := time.Since(start)
	t.tracker.logUploadCompleted(took, size, parts, true)
	t.logger.Donef("Uploaded %s in %d parts in %s", units.HumanSize(float64(size)), parts, took.Round(time.Millisecond))
	return nil
}

func (t *Transfer) putObject(ctx context.Context, filename, bucket, key string, size int64, args uploadArgs, callback ProgressFunc) error {
	file, err := t.osUtils.Open(filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer file.Close() //nolint:errcheck

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          NewStreamReaderProgress(file, callback),
		ContentLength: aws.Int64(size),
	}
	args.applyToPut(input)

	if _, err := t.client.PutObject(ctx, input); err != nil {
		return newServiceError("PutObject", err)
	}
	return nil
}

// multipartUpload returns the number of uploaded parts.
func (t *Transfer) multipartUpload(ctx context.Context, filename, bucket, key string, size int64, args uploadArgs, callback ProgressFunc) (int, error) {
	createInput := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	args.applyToCreate(createInput)

	created, err := t.client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return 0, newServiceError("CreateMultipartUpload", err)
	}

	chunks := Partition(size, t.config.partSizeFor(size))
	session := &multipartSession{
		bucket:       bucket,
		key:          key,
		uploadID:     aws.ToString(created.UploadId),
		requestPayer: args.requestPayer,
		filename:     filename,
		totalParts:   len(chunks),
		stats:        NewStats(),
		progress:     newProgressRelay(callback),
	}

	t.logger.Infof("Uploading %s (%s) to s3://%s/%s in %d parts of %s, upload ID: %s",
		filename, units.HumanSize(float64(size)), bucket, key, len(chunks),
		units.HumanSize(float64(chunks[0].Size)), session.uploadID)

	results := make([]PartResult, len(chunks))
	err = forEachChunk(ctx, chunks, t.config.Concurrency, func(ctx context.Context, index int, chunk ChunkSpec) error {
		result, err := t.uploadPartWithRetry(ctx, session, int32(index+1), chunk)
		if err != nil {
			return err
		}
		results[index] = result
		return nil
	})
	session.progress.close()

	if err == nil {
		err = t.completeMultipartUpload(ctx, session, results)
	}
	if err != nil {
		return 0, t.abortMultipartUpload(ctx, session, err)
	}

	return len(chunks), nil
}

func (t *Transfer) uploadPartWithRetry(ctx context.Context, session *multipartSession, partNumber int32, chunk ChunkSpec) (PartResult, error) {
	var result PartResult
	maxAttempts := t.config.MaxRetryPerPart + 1

	attempts, err := t.withRetry(ctx, t.config.MaxRetryPerPart, session.stats, fmt.Sprintf("Part %d", partNumber), func(attempt uint) error {
		t.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			partNumber, session.totalParts, attempt+1, maxAttempts,
			session.stats.FinishedCount(), session.stats.Average().Round(time.Millisecond))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)
		defer cancelPart()

		// No hung detection on the last attempt
		if int(attempt) < t.config.MaxRetryPerPart && t.config.HungThreshold > 0 {
			go t.detectHungPart(partCtx, cancelPart, session.stats, start, partNumber)
		}

		etag, err := t.uploadPart(partCtx, session, partNumber, chunk)
		if err != nil {
			return err
		}

		took := time.Since(start)
		session.stats.Update(took, chunk.Size)
		t.logger.Debugf("Part %d uploaded in %v, ETag: %s", partNumber, took.Round(time.Millisecond), etag)
		result = PartResult{PartNumber: partNumber, ETag: etag, Size: chunk.Size}
		return nil
	})
	if err != nil {
		return PartResult{}, &PartUploadError{PartNumber: partNumber, Attempts: attempts, Err: err}
	}

	return result, nil
}

// uploadPart sends one attempt of a part. Every attempt reads the window through a fresh reader.
func (t *Transfer) uploadPart(ctx context.Context, session *multipartSession, partNumber int32, chunk ChunkSpec) (string, error) {
	reader, err := NewReadFileChunk(t.osUtils, session.filename, chunk.Start, chunk.Size, session.progress.report)
	if err != nil {
		return "", err
	}
	defer reader.Close() //nolint:errcheck

	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(session.bucket),
		Key:           aws.String(session.key),
		UploadId:      aws.String(session.uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          reader,
		ContentLength: aws.Int64(reader.Len()),
		RequestPayer:  session.requestPayer,
	})
	if err != nil {
		// Takes back the progress of the failed attempt.
		reader.Seek(0, io.SeekStart) //nolint:errcheck
		return "", newServiceError("UploadPart", err)
	}

	etag := aws.ToString(out.ETag)
	if etag == "" {
		reader.Seek(0, io.SeekStart) //nolint:errcheck
		return "", fmt.Errorf("no ETag in response of part %d", partNumber)
	}

	return etag, nil
}

func (t *Transfer) detectHungPart(ctx context.Context, cancel context.CancelFunc, stats *Stats, start time.Time, partNumber int32) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := stats.Average()
				if elapsed-avg > t.config.HungThreshold {
					t.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						partNumber, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (t *Transfer) completeMultipartUpload(ctx context.Context, session *multipartSession, results []PartResult) error {
	_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:       aws.String(session.bucket),
		Key:          aws.String(session.key),
		UploadId:     aws.String(session.uploadID),
		RequestPayer: session.requestPayer,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts(results),
		},
	})
	if err != nil {
		return newServiceError("CompleteMultipartUpload", err)
	}
	return nil
}

// completedParts returns the parts ordered by part number.
func completedParts(results []PartResult) []types.CompletedPart {
	sorted := append([]PartResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	parts := make([]types.CompletedPart, 0, len(sorted))
	for _, result := range sorted {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(result.ETag),
			PartNumber: aws.Int32(result.PartNumber),
		})
	}
	return parts
}

// abortMultipartUpload releases the parts stored so far and returns the error to surface.
// It runs even if ctx is done.
func (t *Transfer) abortMultipartUpload(ctx context.Context, session *multipartSession, cause error) error {
	t.logger.Warnf("Aborting multipart upload %s: %s", session.uploadID, cause)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	var abortErr error
	_, err := t.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:       aws.String(session.bucket),
		Key:          aws.String(session.key),
		UploadId:     aws.String(session.uploadID),
		RequestPayer: session.requestPayer,
	})
	if err != nil {
		abortErr = newServiceError("AbortMultipartUpload", err)
		t.logger.Errorf("Failed to abort multipart upload %s of s3://%s/%s: %s",
			session.uploadID, session.bucket, session.key, abortErr)
	}

	t.tracker.logMultipartAborted(session.stats, session.totalParts, abortErr)

	return &MultipartAbortedError{
		Bucket:   session.bucket,
		Key:      session.key,
		UploadID: session.uploadID,
		Err:      cause,
		AbortErr: abortErr,
	}
}

func (t *Transfer) detectContentType(filename string) (string, error) {
	file, err := t.osUtils.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return "", err
	}
	return mtype.String(), nil
}
