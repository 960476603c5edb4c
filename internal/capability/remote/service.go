// Package remote exposes a capability.Backend over gRPC and provides the
// matching client. Messages are wrapperspb.BytesValue carrying JSON (or PNG
// bytes for rendered images), so no generated stubs are needed.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/scenegrid/internal/capability"
	"github.com/banshee-data/scenegrid/internal/scene"
)

const (
	serviceName  = "scenegrid.capability.v1.Capability"
	trainMethod  = "/" + serviceName + "/Train"
	renderMethod = "/" + serviceName + "/Render"
	scoreMethod  = "/" + serviceName + "/Score"

	// MaxMessageSize bounds a single message; global models can be large.
	MaxMessageSize = 256 << 20
)

// trainEvent is one message on the Train stream: zero or more checkpoints
// followed by exactly one model.
type trainEvent struct {
	Checkpoint scene.Checkpoint  `json:"checkpoint,omitempty"`
	Model      *scene.BlockModel `json:"model,omitempty"`
}

type renderRequest struct {
	Model *scene.GlobalModel `json:"model"`
	Pose  scene.Pose         `json:"pose"`
}

type scoreRequest struct {
	Rendered  []byte `json:"rendered"`
	Reference []byte `json:"reference"`
}

// capabilityServer is the handler type checked by grpc.RegisterService.
type capabilityServer interface {
	train(req *wrapperspb.BytesValue, stream grpc.ServerStream) error
	render(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	score(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*capabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Render", Handler: renderHandler},
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Train", Handler: trainHandler, ServerStreams: true},
	},
	Metadata: "scenegrid/capability/v1/capability.proto",
}

func trainHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(capabilityServer).train(in, stream)
}

func renderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityServer).render(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: renderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(capabilityServer).render(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func scoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityServer).score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(capabilityServer).score(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func wrapJSON(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

// toStatus maps capability errors onto gRPC codes. Transient failures use
// Unavailable so clients retry; everything else is FailedPrecondition.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case capability.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

// fromStatus maps a gRPC error back onto the capability taxonomy.
func fromStatus(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return capability.Permanent(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return capability.Transient(errors.New(st.Message()))
	}
	return capability.Permanent(errors.New(st.Message()))
}
