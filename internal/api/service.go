package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ActionServiceName is the full gRPC service name.
const ActionServiceName = "chatsync.v1.Actions"

// ActionServer is the server side of the actions service. Requests and
// responses use the well-known protobuf types, so no generated code is needed.
type ActionServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	RetryStuck(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Sync(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reconnect(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// ActionServiceDesc describes ActionServer for grpc.Server.RegisterService.
var ActionServiceDesc = grpc.ServiceDesc{
	ServiceName: ActionServiceName,
	HandlerType: (*ActionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[structpb.Struct]("Send", ActionServer.Send),
		unary[structpb.Struct]("Delete", ActionServer.Delete),
		unary[wrapperspb.StringValue]("RetryStuck", ActionServer.RetryStuck),
		unary[wrapperspb.StringValue]("Sync", ActionServer.Sync),
		unary[emptypb.Empty]("Reconnect", ActionServer.Reconnect),
	},
	Metadata: "chatsync/v1/actions",
}

// RegisterActionServer registers srv on s.
func RegisterActionServer(s grpc.ServiceRegistrar, srv ActionServer) {
	s.RegisterService(&ActionServiceDesc, srv)
}

func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, fn func(ActionServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(srv.(ActionServer), ctx, req.(PReq))
				if err != nil {
					return nil, err
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ActionServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// ActionClient calls the actions service of a daemon.
type ActionClient struct {
	cc grpc.ClientConnInterface
}

// NewActionClient wraps cc.
func NewActionClient(cc grpc.ClientConnInterface) *ActionClient {
	return &ActionClient{cc: cc}
}

func (c *ActionClient) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ActionServiceName+"/"+method, in, out)
}

// Send queues content for chatID and returns the queued message.
func (c *ActionClient) Send(ctx context.Context, chatID, content string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"chat_id": chatID, "content": content})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Send", in, out)
}

// Delete deletes the entity and returns the delete outcome.
func (c *ActionClient) Delete(ctx context.Context, kind, id string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"kind": kind, "id": id})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	err = c.invoke(ctx, "Delete", in, out)
	return out.GetValue(), err
}

// RetryStuck re-issues stuck deletes of kind.
func (c *ActionClient) RetryStuck(ctx context.Context, kind string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "RetryStuck", wrapperspb.String(kind), out)
}

// Sync runs a pass for kind, or for every kind when kind is empty.
func (c *ActionClient) Sync(ctx context.Context, kind string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Sync", wrapperspb.String(kind), out)
}

// Reconnect asks the daemon to connect now and returns the new state.
func (c *ActionClient) Reconnect(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	err := c.invoke(ctx, "Reconnect", &emptypb.Empty{}, out)
	return out.GetValue(), err
}
