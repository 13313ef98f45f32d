package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/banksean/testbus/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Handler answers one call addressed to (path, interface, method). It is
// the master-side half of the "(object_path, interface, method) ->
// handler(args, reply, error)" router from spec.md §9.
type Handler func(ctx context.Context, sender, path, iface, method string, args map[string]any) (map[string]any, error)

// Server is the master's bus endpoint: it accepts one gRPC stream per peer
// and dispatches inbound Call envelopes to a single Handler, matching the
// single actor goroutine that owns the object graph (spec.md §9, shape (a)).
type Server struct {
	Hub     *Hub
	Handler Handler
}

// ServiceDesc is hand-registered (no protoc-gen-go stub) because Envelope
// carries untyped variant trees rather than a fixed protobuf schema; see
// codec.go and DESIGN.md for why grpc is still the real transport.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       _Bus_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func _Bus_Connect_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(*Server).connect(stream)
}

// NewGRPCServer builds a *grpc.Server with the bus service registered and
// the JSON envelope codec forced for every call, plus the otel gRPC stats
// handler for span propagation (internal/tracing wires the exporter).
func NewGRPCServer(s *Server, extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}, extra...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

type serverStreamSender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (s *serverStreamSender) Send(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(env)
}

func (s *Server) connect(stream grpc.ServerStream) error {
	ctx := stream.Context()

	var hello Envelope
	if err := stream.RecvMsg(&hello); err != nil {
		return fmt.Errorf("bus: awaiting hello: %w", err)
	}
	if hello.Kind != KindHello || hello.SenderName == "" {
		return fmt.Errorf("bus: expected hello with a sender name, got %v", hello.Kind)
	}
	name := hello.SenderName
	sender := &serverStreamSender{stream: stream}
	s.Hub.Register(name, sender)
	slog.InfoContext(ctx, "bus.Server.connect", "peer", name)
	defer func() {
		s.Hub.Unregister(name)
		slog.InfoContext(ctx, "bus.Server.connect: peer disconnected", "peer", name)
	}()

	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			return err
		}
		env.SenderName = name

		switch env.Kind {
		case KindSignal:
			// Agent-originated signals (eventsAdded, process-exit
			// notifications routed through the graph) are forwarded to
			// every connected peer, the sender included; uninterested peers ignore
			// signals whose path/interface they never subscribed to.
			s.Hub.Broadcast(&env)

		case KindCall:
			go s.dispatch(ctx, sender, env)

		case KindReply:
			// The only replies a peer's own stream carries are answers to
			// a Hub.Call the master itself initiated (spec.md §4.4's
			// master-mediated Agent.Filesystem calls); route it back to
			// the waiting caller.
			s.Hub.resolveCallout(&env)

		default:
			slog.WarnContext(ctx, "bus.Server.connect: unexpected envelope kind", "kind", env.Kind, "peer", name)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sender Sender, call Envelope) {
	reply := Envelope{Kind: KindReply, CallID: call.CallID}
	result, err := s.Handler(ctx, call.SenderName, call.Path, call.Interface, call.Method, call.Args)
	if err != nil {
		reply.ErrKind = string(model.KindOf(err))
		reply.ErrMsg = err.Error()
	} else {
		reply.Reply = result
	}
	if sendErr := sender.Send(&reply); sendErr != nil {
		slog.Error("bus.Server.dispatch: failed to send reply", "call", call.Method, "error", sendErr)
	}
}
