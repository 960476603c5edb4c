package remote

import (
	"context"
	"errors"
	"image/color"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/capability/sim"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
	"github.com/banshee-data/scenegrid/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// startServer serves backend over an in-memory listener and returns a client.
func startServer(t *testing.T, backend capability.Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return client
}

func request(id string) capability.TrainRequest {
	return capability.TrainRequest{
		Block: scene.Block{
			ID:       id,
			Core:     scene.Region{MaxX: 50, MaxY: 50},
			Extended: scene.Region{MaxX: 55, MaxY: 55},
		},
		Frames: []scene.Frame{{ID: "f0"}},
	}
}

func TestRemoteTrainMatchesLocal(t *testing.T) {
	t.Parallel()

	local, err := sim.NewTrainer().Train(context.Background(), request("2"))
	require.NoError(t, err)

	client := startServer(t, sim.NewBackend())
	req := request("2")
	var handles []scene.Checkpoint
	req.Checkpoint = func(h scene.Checkpoint) error {
		handles = append(handles, h)
		return nil
	}
	got, err := client.Train(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, local.Checksum, got.Checksum)
	assert.Len(t, handles, 2, "checkpoints stream before the model")

	// Resuming from a streamed checkpoint reproduces the same model.
	resume := request("2")
	resume.Resume = handles[0]
	again, err := client.Train(context.Background(), resume)
	require.NoError(t, err)
	assert.Equal(t, local.Checksum, again.Checksum)
}

func TestRemoteErrorClassification(t *testing.T) {
	t.Parallel()

	trainer := sim.NewTrainer()
	trainer.Inject("busy", sim.Failure{Transient: 1})
	trainer.Inject("broken", sim.Failure{Permanent: true})
	backend := sim.NewBackend()
	backend.Trainer = trainer
	client := startServer(t, backend)

	_, err := client.Train(context.Background(), request("busy"))
	require.Error(t, err)
	assert.True(t, capability.IsTransient(err), "got %v", err)

	_, err = client.Train(context.Background(), request("busy"))
	require.NoError(t, err, "second attempt succeeds")

	_, err = client.Train(context.Background(), request("broken"))
	var perm *capability.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Contains(t, err.Error(), "injected permanent failure")
}

func TestRemoteTrainCancelled(t *testing.T) {
	t.Parallel()

	trainer := sim.NewTrainer()
	trainer.Inject("hang", sim.Failure{Hang: true})
	backend := sim.NewBackend()
	backend.Trainer = trainer
	client := startServer(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	req := request("hang")
	go cancel()
	_, err := client.Train(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteRenderAndScore(t *testing.T) {
	t.Parallel()

	backend := sim.NewBackend()
	client := startServer(t, backend)

	model := &scene.GlobalModel{
		Bounds:     scene.Region{MaxX: 10, MaxY: 10},
		Primitives: []scene.Primitive{{X: 5, Y: 5, Opacity: 1}},
	}
	pose := scene.Pose{X: 5, Y: 5}
	want, err := backend.Renderer.Render(context.Background(), model, pose)
	require.NoError(t, err)

	img, err := client.Render(context.Background(), model, pose)
	require.NoError(t, err)
	assert.Equal(t, want.Bounds(), img.Bounds())

	values, err := client.Score(context.Background(), img, want)
	require.NoError(t, err)
	assert.InDelta(t, 0, values["l1"], 1e-9)

	values, err = client.Score(context.Background(), img, testutil.SolidImage(16, 16, color.Gray{Y: 255}))
	require.NoError(t, err)
	assert.Greater(t, values["l1"], 0.0)
}

func TestRemoteRenderFailureIsRenderError(t *testing.T) {
	t.Parallel()

	backend := sim.NewBackend()
	r := sim.NewRenderer()
	r.Fail = func(scene.Pose) error { return errors.New("out of memory") }
	backend.Renderer = r
	client := startServer(t, backend)

	_, err := client.Render(context.Background(), &scene.GlobalModel{}, scene.Pose{})
	var re *capability.RenderError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, err.Error(), "out of memory")
}
