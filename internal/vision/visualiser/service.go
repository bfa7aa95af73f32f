package visualiser

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "blipsfm.visualiser.v1.Visualiser"

const streamStepsMethod = "/" + ServiceName + "/StreamSteps"

// VisualiserServer is the server API for the Visualiser service.
type VisualiserServer interface {
	// StreamSteps sends every published step until the client goes away.
	// The request may set the boolean field "include_points".
	StreamSteps(req *structpb.Struct, stream grpc.ServerStream) error
}

func streamStepsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(VisualiserServer).StreamSteps(req, stream)
}

var visualiserServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VisualiserServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSteps",
			Handler:       streamStepsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "blipsfm/visualiser/v1/visualiser.proto",
}

// RegisterVisualiserServer registers srv with s.
func RegisterVisualiserServer(s grpc.ServiceRegistrar, srv VisualiserServer) {
	s.RegisterService(&visualiserServiceDesc, srv)
}

// Ensure Server implements the service interface.
var _ VisualiserServer = (*Server)(nil)

// Server implements the Visualiser service on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC server.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// StreamSteps implements the streaming RPC.
func (s *Server) StreamSteps(req *structpb.Struct, stream grpc.ServerStream) error {
	includePoints := req.GetFields()["include_points"].GetBoolValue()

	client, err := s.publisher.addClient(includePoints)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case <-client.doneCh:
			return nil
		case frame := <-client.stepCh:
			if err := stream.SendMsg(frame.toStruct(client.includePoints)); err != nil {
				log.Printf("[gRPC] Send error to %s: %v", client.id, err)
				return err
			}
		}
	}
}

// Subscription is a client-side step stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a StreamSteps call on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, includePoints bool) (*Subscription, error) {
	stream, err := conn.NewStream(ctx, &visualiserServiceDesc.Streams[0], streamStepsMethod)
	if err != nil {
		return nil, fmt.Errorf("open step stream: %w", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"include_points": structpb.NewBoolValue(includePoints),
	}}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close stream request: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next step. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (*StepFrame, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return DecodeFrame(msg)
}
