package mqttsink

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

var _ mqtt.Token = doneToken{}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func trackingResult() *l5recon.StepResult {
	pose := l4geometry.IdentityPose()
	pose.T = [3]float64{0, 0, 1}
	return &l5recon.StepResult{
		FrameIndex: 5,
		State:      l5recon.StateTracking,
		Tracked: vision.TrackedSet{
			Prev: make([]vision.Point2D, 4),
			Next: make([]vision.Point2D, 4),
		},
		Live:    make([]vision.Point2D, 6),
		Pose:    &pose,
		Inliers: []bool{true, true, false, true},
		Stats:   l5recon.StepStats{Points: 4, MeanDepth: 3},
	}
}

func TestSink_HandleStepPublishesSummaryAndPose(t *testing.T) {
	c := new(mockClient)
	c.On("IsConnected").Return(true)

	var summary StepSummary
	var pose PoseMessage
	c.On("Publish", "cam/steps", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &summary))
		}).Return(doneToken{}).Once()
	c.On("Publish", "cam/pose", byte(1), true, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &pose))
		}).Return(doneToken{}).Once()

	s := New(c, "cam", 1)
	require.NoError(t, s.HandleStep("run-a", trackingResult()))
	c.AssertExpectations(t)

	assert.Equal(t, "run-a", summary.RunID)
	assert.Equal(t, "tracking", summary.State)
	assert.Equal(t, 4, summary.Tracked)
	assert.Equal(t, 6, summary.Live)
	assert.True(t, summary.PoseOK)
	assert.Equal(t, 3.0, summary.Stats.MeanDepth)

	assert.Equal(t, 5, pose.FrameIndex)
	assert.Equal(t, 3, pose.Inliers)
	assert.Equal(t, [3]float64{0, 0, 1}, pose.T)
}

func TestSink_NoPoseSkipsPoseTopic(t *testing.T) {
	c := new(mockClient)
	c.On("IsConnected").Return(true)
	c.On("Publish", "blipsfm/steps", byte(0), false, mock.Anything).Return(doneToken{}).Once()

	s := New(c, "", 0)
	res := &l5recon.StepResult{FrameIndex: 2, State: l5recon.StateTracking, PoseErr: vision.ErrDegenerateGeometry}
	require.NoError(t, s.HandleStep("r", res))
	c.AssertExpectations(t)
	c.AssertNotCalled(t, "Publish", "blipsfm/pose", mock.Anything, mock.Anything, mock.Anything)
}

func TestSink_NotConnected(t *testing.T) {
	c := new(mockClient)
	c.On("IsConnected").Return(false)

	err := New(c, "x", 0).HandleStep("r", trackingResult())
	assert.Error(t, err)
	c.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assert.Error(t, (&Sink{}).HandleStep("r", trackingResult()))
}

func TestSink_PublishError(t *testing.T) {
	c := new(mockClient)
	c.On("IsConnected").Return(true)
	c.On("Publish", "x/steps", byte(0), false, mock.Anything).Return(doneToken{err: errors.New("broker gone")})

	err := New(c, "x", 0).HandleStep("r", trackingResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x/steps")
}

func TestSink_InvalidQoSFallsBack(t *testing.T) {
	s := New(new(mockClient), "p", 7)
	assert.Equal(t, byte(0), s.qos)
	assert.Equal(t, "p/steps", s.StepsTopic())
	assert.Equal(t, "p/pose", s.PoseTopic())
}

func TestSink_Close(t *testing.T) {
	c := new(mockClient)
	c.On("Disconnect", uint(250)).Return().Once()
	New(c, "p", 0).Close()
	c.AssertExpectations(t)
}

func TestConnect_RequiresBroker(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)
}
