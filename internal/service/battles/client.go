package battles

import (
	"context"

	"google.golang.org/grpc"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/tally"
)

// Client is a typed BattleService client. Every call uses the json codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}

func (c *Client) CreateBattle(ctx context.Context, in *CreateBattleRequest, opts ...grpc.CallOption) (*BattleView, error) {
	out := new(BattleView)
	if err := c.invoke(ctx, "CreateBattle", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Invite(ctx context.Context, in *InviteRequest, opts ...grpc.CallOption) (*Participant, error) {
	out := new(Participant)
	if err := c.invoke(ctx, "Invite", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Accept(ctx context.Context, in *AcceptRequest, opts ...grpc.CallOption) (*Battle, error) {
	out := new(Battle)
	if err := c.invoke(ctx, "Accept", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Decline(ctx context.Context, in *BattleRequest, opts ...grpc.CallOption) (*Battle, error) {
	out := new(Battle)
	if err := c.invoke(ctx, "Decline", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, in *BattleRequest, opts ...grpc.CallOption) (*Battle, error) {
	out := new(Battle)
	if err := c.invoke(ctx, "Cancel", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CastVote(ctx context.Context, in *CastVoteRequest, opts ...grpc.CallOption) (*tally.Result, error) {
	out := new(tally.Result)
	if err := c.invoke(ctx, "CastVote", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBattle(ctx context.Context, in *BattleRequest, opts ...grpc.CallOption) (*BattleView, error) {
	out := new(BattleView)
	if err := c.invoke(ctx, "GetBattle", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchClient reads a Watch stream.
type WatchClient struct {
	grpc.ClientStream
}

// Recv blocks for the next event. io.EOF marks a stream the server closed.
func (w *WatchClient) Recv() (*broadcast.Message, error) {
	m := new(broadcast.Message)
	if err := w.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (*WatchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("Watch"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream}, nil
}
