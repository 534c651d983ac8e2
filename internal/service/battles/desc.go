package battles

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/tally"
)

const ServiceName = "battle.v1.BattleService"

// BattleServiceServer is the server API for BattleService.
type BattleServiceServer interface {
	CreateBattle(context.Context, *CreateBattleRequest) (*BattleView, error)
	Invite(context.Context, *InviteRequest) (*Participant, error)
	Accept(context.Context, *AcceptRequest) (*Battle, error)
	Decline(context.Context, *BattleRequest) (*Battle, error)
	Cancel(context.Context, *BattleRequest) (*Battle, error)
	CastVote(context.Context, *CastVoteRequest) (*tally.Result, error)
	GetBattle(context.Context, *BattleRequest) (*BattleView, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(broadcast.Event) error
	Context() context.Context
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e broadcast.Event) error {
	return w.ServerStream.SendMsg(e)
}

// FullMethod returns the gRPC path of a BattleService method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes BattleService. Messages are plain Go structs carried
// by the json codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BattleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateBattle", BattleServiceServer.CreateBattle),
		unary("Invite", BattleServiceServer.Invite),
		unary("Accept", BattleServiceServer.Accept),
		unary("Decline", BattleServiceServer.Decline),
		unary("Cancel", BattleServiceServer.Cancel),
		unary("CastVote", BattleServiceServer.CastVote),
		unary("GetBattle", BattleServiceServer.GetBattle),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "battle/v1/battle",
}

// RegisterBattleServiceServer attaches srv to a gRPC server.
func RegisterBattleServiceServer(s grpc.ServiceRegistrar, srv BattleServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Res any](name string, call func(BattleServiceServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BattleServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BattleServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BattleServiceServer).Watch(in, &watchServer{stream})
}
