package visualiser

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

func sampleResult(frame int) *l5recon.StepResult {
	pose := l4geometry.RelativePose{
		R: [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
		T: [3]float64{0.6, 0, 0.8},
	}
	return &l5recon.StepResult{
		FrameIndex: frame,
		Timestamp:  time.Unix(10, 500),
		State:      l5recon.StateTracking,
		Tracked: vision.TrackedSet{
			Prev: []vision.Point2D{{X: 1, Y: 1}, {X: 2, Y: 2}},
			Next: []vision.Point2D{{X: 1.5, Y: 1}, {X: 2.5, Y: 2}},
		},
		Lost:    3,
		Pose:    &pose,
		Inliers: []bool{true, false},
		Cloud: l5recon.Cloud{
			Prev:   []vision.Point2D{{X: 1, Y: 1}, {X: 2, Y: 2}},
			Next:   []vision.Point2D{{X: 1.5, Y: 1}, {X: 2.5, Y: 2}},
			Points: []vision.Point3D{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0, Z: 9}},
			Inlier: []bool{true, false},
		},
		Stats: l5recon.StepStats{Points: 2, InlierPoints: 1, MeanDepth: 6, ParallaxDeg: 2},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := FrameFromResult("run-1", sampleResult(7))
	f.Seq = 42

	got, err := DecodeFrame(f.toStruct(true))
	require.NoError(t, err)
	if diff := cmp.Diff(f, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("DecodeFrame mismatch (-want +got):\n%s", diff)
	}

	got, err = DecodeFrame(f.toStruct(false))
	require.NoError(t, err)
	assert.Empty(t, got.Points)
	assert.Equal(t, 2, got.Stats.Points)
}

func TestFrameFromResult_NoPose(t *testing.T) {
	res := &l5recon.StepResult{
		FrameIndex: 3,
		State:      l5recon.StateTracking,
		PoseErr:    vision.ErrDegenerateGeometry,
	}
	f := FrameFromResult("r", res)
	assert.False(t, f.PoseOK)
	assert.Equal(t, "degenerate geometry", f.PoseError)
	assert.Zero(t, f.TimestampNanos)

	got, err := DecodeFrame(f.toStruct(true))
	require.NoError(t, err)
	assert.False(t, got.PoseOK)
	assert.Equal(t, [3]float64{}, got.T)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.Error(t, err)

	s := FrameFromResult("r", sampleResult(1)).toStruct(false)
	s.Fields["t"] = numList(1, 2)
	_, err = DecodeFrame(s)
	assert.Error(t, err)
}

func TestPublisher_PublishNotRunning(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	p.Publish("r", sampleResult(1))
	assert.Equal(t, uint64(0), p.Stats().StepCount)
	assert.False(t, p.Stats().Running)
	assert.Nil(t, p.Addr())
	p.Stop()
}

type testEnv struct {
	pub  *Publisher
	conn *grpc.ClientConn
}

func startTestPublisher(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Serve(lis))
	assert.Error(t, pub.Serve(lis), "second serve must fail")

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		pub.Stop()
		conn.Close()
	})
	return &testEnv{pub: pub, conn: conn}
}

func waitForClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ClientCount == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStreamSteps(t *testing.T) {
	env := startTestPublisher(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	withPoints, err := Subscribe(ctx, env.conn, true)
	require.NoError(t, err)
	summaryOnly, err := Subscribe(ctx, env.conn, false)
	require.NoError(t, err)
	waitForClients(t, env.pub, 2)

	require.NoError(t, env.pub.HandleStep("run-9", sampleResult(4)))

	f, err := withPoints.Recv()
	require.NoError(t, err)
	assert.Equal(t, "run-9", f.RunID)
	assert.Equal(t, 4, f.FrameIndex)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, "tracking", f.State)
	assert.Equal(t, 1, f.Inliers)
	assert.Equal(t, [3]float64{0.6, 0, 0.8}, f.T)
	require.Len(t, f.Points, 2)
	assert.Equal(t, CloudPoint{X: -1, Y: 0, Z: 9}, f.Points[1])

	f, err = summaryOnly.Recv()
	require.NoError(t, err)
	assert.Empty(t, f.Points)
	assert.Equal(t, 2, f.Stats.Points)

	assert.Equal(t, uint64(1), env.pub.Stats().StepCount)
}

func TestStreamSteps_ClientLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	env := startTestPublisher(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Subscribe(ctx, env.conn, false)
	require.NoError(t, err)
	waitForClients(t, env.pub, 1)

	second, err := Subscribe(ctx, env.conn, false)
	require.NoError(t, err)
	_, err = second.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStreamSteps_ClientDisconnect(t *testing.T) {
	env := startTestPublisher(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Subscribe(ctx, env.conn, false)
	require.NoError(t, err)
	waitForClients(t, env.pub, 1)

	cancel()
	waitForClients(t, env.pub, 0)
}

func TestStreamSteps_StopEndsStream(t *testing.T) {
	env := startTestPublisher(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := Subscribe(ctx, env.conn, false)
	require.NoError(t, err)
	waitForClients(t, env.pub, 1)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Recv()
		done <- err
	}()

	env.pub.Stop()
	select {
	case err := <-done:
		assert.Error(t, err)
		assert.False(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
	assert.False(t, env.pub.Stats().Running)
}
