package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// Client implements Trainer, Renderer and Scorer against a remote server.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to target. Without options the connection is plaintext,
// which suits a trusted cluster network.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(MaxMessageSize),
		grpc.MaxCallSendMsgSize(MaxMessageSize),
	))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

// Backend exposes the client as a capability.Backend.
func (c *Client) Backend() capability.Backend {
	return capability.Backend{Name: "grpc", Trainer: c, Renderer: c, Scorer: c}
}

func (c *Client) Train(ctx context.Context, req capability.TrainRequest) (*scene.BlockModel, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, capability.Permanentf("encode train request: %w", err)
	}
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], trainMethod)
	if err != nil {
		return nil, fromStatus(ctx, err)
	}
	if err := stream.SendMsg(wrapperspb.Bytes(in)); err != nil {
		return nil, fromStatus(ctx, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(ctx, err)
	}

	var model *scene.BlockModel
	for {
		out := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fromStatus(ctx, err)
		}
		var ev trainEvent
		if err := json.Unmarshal(out.GetValue(), &ev); err != nil {
			return nil, capability.Permanentf("decode train event: %w", err)
		}
		if ev.Checkpoint != "" {
			if err := req.ReportCheckpoint(ev.Checkpoint); err != nil {
				logger.Printf("block %s: checkpoint not recorded: %v", req.Block.ID, err)
			}
		}
		if ev.Model != nil {
			model = ev.Model
		}
	}
	if model == nil {
		return nil, capability.Permanentf("remote trainer returned no model for block %s", req.Block.ID)
	}
	if err := model.Verify(); err != nil {
		return nil, capability.Permanent(err)
	}
	return model, nil
}

func (c *Client) Render(ctx context.Context, model *scene.GlobalModel, pose scene.Pose) (image.Image, error) {
	in, err := json.Marshal(renderRequest{Model: model, Pose: pose})
	if err != nil {
		return nil, &capability.RenderError{Err: err}
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, renderMethod, wrapperspb.Bytes(in), out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &capability.RenderError{Err: err}
	}
	img, err := png.Decode(bytes.NewReader(out.GetValue()))
	if err != nil {
		return nil, &capability.RenderError{Err: fmt.Errorf("decode rendered image: %w", err)}
	}
	return img, nil
}

func (c *Client) Score(ctx context.Context, rendered, reference image.Image) (capability.MetricValues, error) {
	var r, f bytes.Buffer
	if err := png.Encode(&r, rendered); err != nil {
		return nil, &capability.MetricError{Err: err}
	}
	if err := png.Encode(&f, reference); err != nil {
		return nil, &capability.MetricError{Err: err}
	}
	in, err := json.Marshal(scoreRequest{Rendered: r.Bytes(), Reference: f.Bytes()})
	if err != nil {
		return nil, &capability.MetricError{Err: err}
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, scoreMethod, wrapperspb.Bytes(in), out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &capability.MetricError{Err: err}
	}
	var values capability.MetricValues
	if err := json.Unmarshal(out.GetValue(), &values); err != nil {
		return nil, &capability.MetricError{Err: fmt.Errorf("decode metrics: %w", err)}
	}
	return values, nil
}
