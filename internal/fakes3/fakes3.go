// Package fakes3 is an in-memory S3 that implements the calls used by transfers,
// with hooks to inject failures and delays.
package fakes3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
)

// ErrConnectionReset is returned by bodies broken with BreakGetObjectBody.
var ErrConnectionReset = errors.New("connection reset by peer")

// UploadState ...
type UploadState string

// Upload states
const (
	UploadInProgress UploadState = "in-progress"
	UploadCompleted  UploadState = "completed"
	UploadAborted    UploadState = "aborted"
)

// Object is a stored object.
type Object struct {
	Data        []byte
	ETag        string
	ContentType string
	Metadata    map[string]string
}

// Upload is a multipart upload session.
type Upload struct {
	ID             string
	Bucket         string
	Key            string
	State          UploadState
	Input          *s3.CreateMultipartUploadInput
	Parts          map[int32][]byte
	CompletedParts []int32
}

// Client ...
type Client struct {
	mu           sync.Mutex
	objects      map[string]*Object
	uploads      map[string]*Upload
	calls        map[string]int
	aborted      []string
	partAttempts map[int32]int
	getAttempts  map[string]int

	uploadPartHook   func(partNumber int32, attempt int) error
	uploadPartDelay  func(partNumber int32, attempt int) time.Duration
	getObjectHook    func(rng string, attempt int) error
	breakGetBodyHook func(rng string, attempt int) bool
	putObjectInputs  []*s3.PutObjectInput
	getObjectInputs  []*s3.GetObjectInput
}

// New ...
func New() *Client {
	return &Client{
		objects:      map[string]*Object{},
		uploads:      map[string]*Upload{},
		calls:        map[string]int{},
		partAttempts: map[int32]int{},
		getAttempts:  map[string]int{},
	}
}

// APIError builds an error the way the SDK reports service error responses.
func APIError(status int, code, message string) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      &smithy.GenericAPIError{Code: code, Message: message},
		},
	}
}

// Seed stores an object.
func (c *Client) Seed(bucket, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[objectKey(bucket, key)] = &Object{Data: append([]byte(nil), data...), ETag: etag(data)}
}

// Object returns a stored object.
func (c *Client) Object(bucket, key string) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[objectKey(bucket, key)]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Upload returns the multipart upload with the given ID.
func (c *Client) Upload(id string) (Upload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	upload, ok := c.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return *upload, true
}

// Uploads returns the IDs of all multipart uploads ever created.
func (c *Client) Uploads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.uploads))
	for id := range c.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aborted returns the upload IDs in the order AbortMultipartUpload was called with them.
func (c *Client) Aborted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.aborted...)
}

// Calls returns the number of calls of the named operation.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// PartAttempts returns the number of UploadPart calls for the part.
func (c *Client) PartAttempts(partNumber int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partAttempts[partNumber]
}

// PutObjectInputs returns the inputs of the PutObject calls.
func (c *Client) PutObjectInputs() []*s3.PutObjectInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*s3.PutObjectInput(nil), c.putObjectInputs...)
}

// GetObjectInputs returns the inputs of the GetObject calls.
func (c *Client) GetObjectInputs() []*s3.GetObjectInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*s3.GetObjectInput(nil), c.getObjectInputs...)
}

// FailUploadPart makes UploadPart return the error of fn, after the body was read.
// attempt is 1-based.
func (c *Client) FailUploadPart(fn func(partNumber int32, attempt int) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadPartHook = fn
}

// DelayUploadPart delays UploadPart calls by the duration fn returns, or until the context is done.
func (c *Client) DelayUploadPart(fn func(partNumber int32, attempt int) time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadPartDelay = fn
}

// FailGetObject makes GetObject return the error of fn. rng is empty for non-ranged requests.
func (c *Client) FailGetObject(fn func(rng string, attempt int) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getObjectHook = fn
}

// BreakGetObjectBody makes GetObject return a body that fails with ErrConnectionReset
// after half of the data when fn returns true.
func (c *Client) BreakGetObjectBody(fn func(rng string, attempt int) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakGetBodyHook = fn
}

// PutObject ...
func (c *Client) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.count("PutObject")

	data, err := readBody(params.Body, params.ContentLength)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.putObjectInputs = append(c.putObjectInputs, params)
	obj := &Object{
		Data:        data,
		ETag:        etag(data),
		ContentType: aws.ToString(params.ContentType),
		Metadata:    params.Metadata,
	}
	c.objects[objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))] = obj

	return &s3.PutObjectOutput{ETag: aws.String(obj.ETag)}, nil
}

// CreateMultipartUpload ...
func (c *Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	c.count("CreateMultipartUpload")

	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	c.uploads[id] = &Upload{
		ID:     id,
		Bucket: aws.ToString(params.Bucket),
		Key:    aws.ToString(params.Key),
		State:  UploadInProgress,
		Input:  params,
		Parts:  map[int32][]byte{},
	}

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(id),
	}, nil
}

// UploadPart ...
func (c *Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	c.count("UploadPart")
	partNumber := aws.ToInt32(params.PartNumber)

	c.mu.Lock()
	c.partAttempts[partNumber]++
	attempt := c.partAttempts[partNumber]
	hook, delay := c.uploadPartHook, c.uploadPartDelay
	c.mu.Unlock()

	if delay != nil {
		if d := delay(partNumber, attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("upload part %d: %w", partNumber, ctx.Err())
			case <-timer.C:
			}
		}
	}

	data, err := readBody(params.Body, params.ContentLength)
	if err != nil {
		return nil, err
	}

	if hook != nil {
		if err := hook(partNumber, attempt); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	upload, err := c.activeUpload(aws.ToString(params.UploadId))
	if err != nil {
		return nil, err
	}
	upload.Parts[partNumber] = data

	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

// CompleteMultipartUpload requires the parts in ascending part number order, as S3 does.
func (c *Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	c.count("CompleteMultipartUpload")

	c.mu.Lock()
	defer c.mu.Unlock()

	upload, err := c.activeUpload(aws.ToString(params.UploadId))
	if err != nil {
		return nil, err
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, APIError(http.StatusBadRequest, "MalformedXML", "no parts given")
	}

	var data []byte
	var completed []int32
	prev := int32(0)
	for _, part := range params.MultipartUpload.Parts {
		number := aws.ToInt32(part.PartNumber)
		if number <= prev {
			return nil, APIError(http.StatusBadRequest, "InvalidPartOrder", "the list of parts was not in ascending order")
		}
		prev = number

		partData, ok := upload.Parts[number]
		if !ok || etag(partData) != aws.ToString(part.ETag) {
			return nil, APIError(http.StatusBadRequest, "InvalidPart", fmt.Sprintf("part %d could not be found", number))
		}
		data = append(data, partData...)
		completed = append(completed, number)
	}

	upload.State = UploadCompleted
	upload.CompletedParts = completed
	obj := &Object{
		Data:        data,
		ETag:        etag(data),
		ContentType: aws.ToString(upload.Input.ContentType),
		Metadata:    upload.Input.Metadata,
	}
	c.objects[objectKey(upload.Bucket, upload.Key)] = obj

	return &s3.CompleteMultipartUploadOutput{
		Bucket: aws.String(upload.Bucket),
		Key:    aws.String(upload.Key),
		ETag:   aws.String(obj.ETag),
	}, nil
}

// AbortMultipartUpload ...
func (c *Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	c.count("AbortMultipartUpload")

	c.mu.Lock()
	defer c.mu.Unlock()

	id := aws.ToString(params.UploadId)
	c.aborted = append(c.aborted, id)

	upload, err := c.activeUpload(id)
	if err != nil {
		return nil, err
	}
	upload.State = UploadAborted
	upload.Parts = map[int32][]byte{}

	return &s3.AbortMultipartUploadOutput{}, nil
}

// HeadObject ...
func (c *Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.count("HeadObject")

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))]
	if !ok {
		return nil, APIError(http.StatusNotFound, "NotFound", "Not Found")
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ETag:          aws.String(obj.ETag),
	}, nil
}

// GetObject supports single "bytes=a-b" ranges and If-Match.
func (c *Client) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.count("GetObject")
	rng := aws.ToString(params.Range)

	c.mu.Lock()
	c.getObjectInputs = append(c.getObjectInputs, params)
	c.getAttempts[rng]++
	attempt := c.getAttempts[rng]
	hook, breakBody := c.getObjectHook, c.breakGetBodyHook
	obj, ok := c.objects[objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))]
	c.mu.Unlock()

	if hook != nil {
		if err := hook(rng, attempt); err != nil {
			return nil, err
		}
	}

	if !ok {
		return nil, APIError(http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
	}
	if params.IfMatch != nil && aws.ToString(params.IfMatch) != obj.ETag {
		return nil, APIError(http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
	}

	data := obj.Data
	if rng != "" {
		start, end, err := parseRange(rng, int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}

	var body io.Reader = bytes.NewReader(data)
	if breakBody != nil && breakBody(rng, attempt) {
		body = io.MultiReader(bytes.NewReader(data[:len(data)/2]), errReader{ErrConnectionReset})
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(body),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(obj.ETag),
	}, nil
}

func (c *Client) count(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
}

// activeUpload must be called with mu held.
func (c *Client) activeUpload(id string) (*Upload, error) {
	upload, ok := c.uploads[id]
	if !ok || upload.State != UploadInProgress {
		return nil, APIError(http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
	}
	return upload, nil
}

func readBody(body io.Reader, contentLength *int64) ([]byte, error) {
	if body == nil {
		return []byte{}, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if contentLength != nil && *contentLength != int64(len(data)) {
		return nil, APIError(http.StatusBadRequest, "IncompleteBody", fmt.Sprintf("expected %d bytes, got %d", *contentLength, len(data)))
	}
	return data, nil
}

func parseRange(rng string, size int64) (int64, int64, error) {
	invalid := APIError(http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")

	spec, ok := strings.CutPrefix(rng, "bytes=")
	if !ok {
		return 0, 0, invalid
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, invalid
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, invalid
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, 0, invalid
	}
	if start < 0 || start >= size || end < start {
		return 0, 0, invalid
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
