// Package grpchub carries EMC events over a bidirectional gRPC stream. The
// Hub runs inside one instance's gRPC server and pushes every event it
// receives to all connected streams; other instances attach with a Client.
package grpchub

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wheelsort/wheelsort/pkg/emc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "wheelsort.emc.v1.EventHub"

	connectMethod = "/" + ServiceName + "/Connect"
	transportName = "grpc"
)

// EventHubServer is implemented by the hub.
type EventHubServer interface {
	// Connect streams structpb.Struct events in both directions.
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes the EventHub service. Messages are
// google.protobuf.Struct values carrying the JSON form of an emc.Event.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventHubServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "wheelsort/emc/v1/hub.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventHubServer).Connect(stream)
}

func toMessage(ev *emc.Event) (*structpb.Struct, error) {
	frame, err := emc.Encode(ev)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := msg.UnmarshalJSON(frame); err != nil {
		return nil, err
	}
	return msg, nil
}

func fromMessage(msg *structpb.Struct) (*emc.Event, error) {
	frame, err := msg.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return emc.Decode(frame)
}
