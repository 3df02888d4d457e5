package transfer

import (
	"context"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-s3transfer/internal/fakes3"
	"github.com/bitrise-io/go-s3transfer/osutil"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	m.Called(eventName, properties)
}

func (m *mockTracker) Wait() {
	m.Called()
}

type mockTrackerFactory struct {
	mock.Mock
}

func (m *mockTrackerFactory) Execute(properties ...analytics.Properties) analytics.Tracker {
	args := m.Called(properties)
	tracker, _ := args.Get(0).(analytics.Tracker)
	return tracker
}

func TestNewTrackerFailsWithoutSessionID(t *testing.T) {
	repository := fakeEnvRepo{envVars: map[string]string{}}
	factory := new(mockTrackerFactory)

	_, err := NewTracker(repository, factory.Execute)
	assert.Error(t, err)
	factory.AssertNotCalled(t, "Execute", mock.Anything)
}

func TestNewTrackerAddsSessionID(t *testing.T) {
	repository := fakeEnvRepo{envVars: map[string]string{SessionIDEnvKey: "123"}}
	tracker := new(mockTracker)
	factory := new(mockTrackerFactory)
	factory.On("Execute", []analytics.Properties{{SessionID: "123"}}).Return(tracker)

	got, err := NewTracker(repository, factory.Execute)
	require.NoError(t, err)
	assert.Same(t, tracker, got)
	factory.AssertExpectations(t)
}

func TestTransferTrackerNilSafe(t *testing.T) {
	var tracker transferTracker
	tracker.logUploadCompleted(0, 1, 1, false)
	tracker.logDownloadCompleted(0, 1, false, &Stats{})
	tracker.logMultipartAborted(&Stats{}, 4, nil)
}

func TestUploadFile_TracksCompletion(t *testing.T) {
	tracker := new(mockTracker)
	tracker.On("Enqueue", "s3transfer_upload_completed", mock.MatchedBy(func(properties []analytics.Properties) bool {
		return len(properties) == 1 &&
			properties[0]["upload_size_bytes"] == int64(len(testContent)) &&
			properties[0]["part_count"] == 4 &&
			properties[0]["multipart"] == true
	})).Once()

	config := testConfig()
	config.Tracker = tracker
	tr := newTestTransfer(t, fakes3.New(), newTestFS(), config)

	require.NoError(t, tr.UploadFile(context.Background(), "foo", "bucket", "key", nil, nil))
	tracker.AssertExpectations(t)
}

func TestUploadFile_TracksAbort(t *testing.T) {
	client := fakes3.New()
	client.FailUploadPart(func(partNumber int32, attempt int) error {
		return fakes3.APIError(http.StatusForbidden, "AccessDenied", "Access Denied")
	})

	tracker := new(mockTracker)
	tracker.On("Enqueue", "s3transfer_multipart_aborted", mock.MatchedBy(func(properties []analytics.Properties) bool {
		return len(properties) == 1 &&
			properties[0]["total_parts"] == 4 &&
			properties[0]["finished_parts"] == int64(0) &&
			properties[0]["finished_bytes"] == int64(0) &&
			properties[0]["abort_failed"] == false
	})).Once()

	config := testConfig()
	config.Tracker = tracker
	tr := newTestTransfer(t, client, newTestFS(), config)

	err := tr.UploadFile(context.Background(), "foo", "bucket", "key", nil, nil)
	assert.Error(t, err)
	tracker.AssertExpectations(t)
}

func TestDownloadFile_TracksCompletion(t *testing.T) {
	client := fakes3.New()
	client.Seed("bucket", "key", []byte(testContent))
	client.BreakGetObjectBody(func(rng string, attempt int) bool {
		return rng == "bytes=10-19" && attempt == 1
	})

	tracker := new(mockTracker)
	tracker.On("Enqueue", "s3transfer_download_completed", mock.MatchedBy(func(properties []analytics.Properties) bool {
		return len(properties) == 1 &&
			properties[0]["download_size_bytes"] == int64(len(testContent)) &&
			properties[0]["part_count"] == int64(4) &&
			properties[0]["retries"] == int64(1) &&
			properties[0]["multipart"] == true
	})).Once()

	config := testConfig()
	config.Tracker = tracker
	tr := newTestTransfer(t, client, osutil.NewInMemory(nil), config)

	require.NoError(t, tr.DownloadFile(context.Background(), "bucket", "key", "out", nil, nil))
	tracker.AssertExpectations(t)
}
