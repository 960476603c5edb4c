package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

var logger = monitoring.Component("remote")

// Server serves a local backend to remote orchestrators.
type Server struct {
	backend capability.Backend
}

// NewServer wraps backend.
func NewServer(backend capability.Backend) *Server {
	return &Server{backend: backend}
}

// RegisterService registers the capability service on a gRPC server.
func RegisterService(grpcServer *grpc.Server, server *Server) {
	grpcServer.RegisterService(&serviceDesc, server)
}

// ServerOptions are the options NewGRPCServer applies.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// NewGRPCServer builds a gRPC server with the capability service registered.
func NewGRPCServer(backend capability.Backend, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(append(ServerOptions(), opts...)...)
	RegisterService(s, NewServer(backend))
	return s
}

func (s *Server) train(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	var req capability.TrainRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode train request: %v", err)
	}
	var mu sync.Mutex
	req.Checkpoint = func(h scene.Checkpoint) error {
		msg, err := wrapJSON(trainEvent{Checkpoint: h})
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return stream.SendMsg(msg)
	}
	logger.Printf("train block %s (resume=%t, device=%q)", req.Block.ID, req.Resume != "", req.Device)
	m, err := s.backend.Trainer.Train(stream.Context(), req)
	if err != nil {
		return toStatus(err)
	}
	msg, err := wrapJSON(trainEvent{Model: m})
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return stream.SendMsg(msg)
}

func (s *Server) render(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req renderRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil || req.Model == nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode render request: %v", err)
	}
	img, err := s.backend.Renderer.Render(ctx, req.Model, req.Pose)
	if err != nil {
		return nil, toStatus(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, status.Errorf(codes.Internal, "encode image: %v", err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

func (s *Server) score(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req scoreRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode score request: %v", err)
	}
	rendered, err := decodePNG(req.Rendered)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "rendered image: %v", err)
	}
	reference, err := decodePNG(req.Reference)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "reference image: %v", err)
	}
	values, err := s.backend.Scorer.Score(ctx, rendered, reference)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapJSON(values)
}

func decodePNG(b []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(b))
}
