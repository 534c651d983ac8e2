package battles_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oggyb/battle-engine/internal/app"
	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/cache"
	"github.com/oggyb/battle-engine/internal/config"
	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/repository"
	"github.com/oggyb/battle-engine/internal/server"
	"github.com/oggyb/battle-engine/internal/service/battles"
	"github.com/oggyb/battle-engine/internal/testutil"
)

//
// Test helpers
//

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	appCtx *app.AppContext
	client *battles.Client
	conn   *grpc.ClientConn
	tokens *auth.Tokens
	redis  *cache.RedisCache
	clock  *clock
}

// setup wires the whole stack the way cmd/server does, with sqlite,
// miniredis and an in-memory gRPC listener.
func setup(t *testing.T) *env {
	t.Helper()

	gdb := testutil.NewDB(t)
	rc, _ := testutil.NewRedis(t)
	log := logger.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := broadcast.New(log, 64)
	go hub.Run(ctx)

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := battle.NewService(battle.Deps{
		Store:     repository.NewBattleRepository(gdb),
		Notifier:  notify.NewRedisQueue(rc.Client, notify.DefaultQueue),
		Publisher: hub,
		Tallies:   rc,
		Logger:    log,
	}, battle.Options{Clock: clk.Now})

	cfg := config.New()
	cfg.HTTP.AllowedOrigins = []string{"*"}
	tokens := auth.NewTokens("test-secret", time.Hour)
	appCtx := app.New(cfg, gdb, rc, log).WithBattles(svc, hub).WithTokens(tokens)

	srv := server.NewGRPCServer(tokens, log, battles.NewRegistrar(appCtx))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &env{
		appCtx: appCtx,
		client: battles.NewClient(conn),
		conn:   conn,
		tokens: tokens,
		redis:  rc,
		clock:  clk,
	}
}

func (e *env) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.tokens.Issue(user)
	require.NoError(t, err)
	return tok
}

// as returns a context authenticated as user.
func (e *env) as(t *testing.T, user string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+e.token(t, user))
}

// activeBattle creates a battle by C with P and lets P accept.
func (e *env) activeBattle(t *testing.T) *battles.BattleView {
	t.Helper()
	v, err := e.client.CreateBattle(e.as(t, "C"), &battles.CreateBattleRequest{
		Title:    "golden hour",
		PhotoURL: "https://cdn/c.jpg",
		Invitees: []string{"P"},
	})
	require.NoError(t, err)

	b, err := e.client.Accept(e.as(t, "P"), &battles.AcceptRequest{BattleID: v.Battle.ID, PhotoURL: "https://cdn/p.jpg"})
	require.NoError(t, err)
	require.Equal(t, "active", b.Status)

	v, err = e.client.GetBattle(context.Background(), &battles.BattleRequest{BattleID: v.Battle.ID})
	require.NoError(t, err)
	return v
}

func code(err error) codes.Code { return status.Code(err) }

//
// gRPC
//

func TestBattleFlowOverGRPC(t *testing.T) {
	e := setup(t)
	v := e.activeBattle(t)
	id := v.Battle.ID
	require.Len(t, v.Participants, 2)
	c, p := v.Participants[0].ID, v.Participants[1].ID

	res, err := e.client.CastVote(e.as(t, "V"), &battles.CastVoteRequest{BattleID: id, ParticipantID: c})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalVotes)
	assert.Equal(t, 100, res.Entries[0].Percentage)

	_, err = e.client.CastVote(e.as(t, "V"), &battles.CastVoteRequest{BattleID: id, ParticipantID: p})
	assert.Equal(t, codes.AlreadyExists, code(err))

	_, err = e.client.CastVote(e.as(t, "C"), &battles.CastVoteRequest{BattleID: id, ParticipantID: c})
	assert.Equal(t, codes.InvalidArgument, code(err))

	mine, err := e.client.GetBattle(e.as(t, "V"), &battles.BattleRequest{BattleID: id})
	require.NoError(t, err)
	require.NotNil(t, mine.MyVote)
	assert.Equal(t, c, mine.MyVote.ParticipantID)
	assert.Equal(t, int64(1), mine.Tally.TotalVotes)

	queued, err := e.redis.Client.LLen(context.Background(), notify.DefaultQueue).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, queued, int64(4), "invite, accepted, two starts and a vote")
}

func TestCallerIdentityComesFromToken(t *testing.T) {
	e := setup(t)

	_, err := e.client.CreateBattle(context.Background(), &battles.CreateBattleRequest{PhotoURL: "u", Invitees: []string{"P"}})
	assert.Equal(t, codes.Unauthenticated, code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
	_, err = e.client.GetBattle(bad, &battles.BattleRequest{BattleID: "x"})
	assert.Equal(t, codes.Unauthenticated, code(err))
}

func TestErrorCodes(t *testing.T) {
	e := setup(t)
	v, err := e.client.CreateBattle(e.as(t, "C"), &battles.CreateBattleRequest{PhotoURL: "u", Invitees: []string{"P"}})
	require.NoError(t, err)
	id := v.Battle.ID

	_, err = e.client.GetBattle(e.as(t, "stranger"), &battles.BattleRequest{BattleID: id})
	assert.Equal(t, codes.NotFound, code(err), "pending battles are private")

	_, err = e.client.Cancel(e.as(t, "P"), &battles.BattleRequest{BattleID: id})
	assert.Equal(t, codes.PermissionDenied, code(err))

	_, err = e.client.CastVote(e.as(t, "V"), &battles.CastVoteRequest{BattleID: id, ParticipantID: v.Participants[0].ID})
	assert.Equal(t, codes.FailedPrecondition, code(err))

	_, err = e.client.Invite(e.as(t, "C"), &battles.InviteRequest{BattleID: id, UserID: "P"})
	assert.Equal(t, codes.AlreadyExists, code(err))

	_, err = e.client.Accept(e.as(t, "P"), &battles.AcceptRequest{BattleID: ""})
	assert.Equal(t, codes.InvalidArgument, code(err))

	b, err := e.client.Decline(e.as(t, "P"), &battles.BattleRequest{BattleID: id})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", b.Status)
	assert.Equal(t, battle.ReasonDeclined, b.CancelReason)
}

func TestWatchStreamsUntilBattleEnds(t *testing.T) {
	e := setup(t)
	v := e.activeBattle(t)
	id := v.Battle.ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := e.client.Watch(ctx, &battles.WatchRequest{BattleID: id})
	require.NoError(t, err)

	snap, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeVoteUpdate, snap.Type)
	assert.Equal(t, int64(0), snap.TotalVotes)

	_, err = e.client.CastVote(e.as(t, "V"), &battles.CastVoteRequest{BattleID: id, ParticipantID: v.Participants[1].ID})
	require.NoError(t, err)

	upd, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeVoteUpdate, upd.Type)
	assert.Equal(t, int64(1), upd.TotalVotes)

	e.clock.Advance(battle.DefaultVotingWindow)
	ended, err := e.appCtx.Battles.End(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ended)

	fin, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeBattleEnded, fin.Type)
	require.NotNil(t, fin.WinnerID)
	assert.Equal(t, v.Participants[1].ID, *fin.WinnerID)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWatchRespectsVisibility(t *testing.T) {
	e := setup(t)
	v, err := e.client.CreateBattle(e.as(t, "C"), &battles.CreateBattleRequest{PhotoURL: "u", Invitees: []string{"P"}})
	require.NoError(t, err)

	stream, err := e.client.Watch(context.Background(), &battles.WatchRequest{BattleID: v.Battle.ID})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, code(err))
}

func TestHealthService(t *testing.T) {
	e := setup(t)
	resp, err := healthpb.NewHealthClient(e.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

//
// HTTP and websocket
//

func newHTTP(t *testing.T, e *env) *httptest.Server {
	t.Helper()
	router := server.NewRouter(e.appCtx, battles.NewRegistrar(e.appCtx))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPBattleView(t *testing.T) {
	e := setup(t)
	ts := newHTTP(t, e)
	v := e.activeBattle(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/battles/" + v.Battle.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got battles.BattleView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, v.Battle.ID, got.Battle.ID)
	assert.Len(t, got.Participants, 2)

	missing, err := http.Get(ts.URL + "/api/battles/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWebsocketViewer(t *testing.T) {
	e := setup(t)
	ts := newHTTP(t, e)
	v := e.activeBattle(t)
	id := v.Battle.ID

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/battles/" + id + "?token=" + e.token(t, "viewer")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return e.appCtx.Hub.Subscribers(id) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = e.client.CastVote(e.as(t, "V"), &battles.CastVoteRequest{BattleID: id, ParticipantID: v.Participants[0].ID})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var upd broadcast.Message
	require.NoError(t, conn.ReadJSON(&upd))
	assert.Equal(t, broadcast.TypeVoteUpdate, upd.Type)
	assert.Equal(t, int64(1), upd.TotalVotes)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "sync"}))
	var reply struct {
		Type string              `json:"type"`
		View *battles.BattleView `json:"view"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "sync", reply.Type)
	require.NotNil(t, reply.View)
	assert.Equal(t, int64(1), reply.View.Tally.TotalVotes)

	conn.Close()
	require.Eventually(t, func() bool {
		return e.appCtx.Hub.Subscribers(id) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsHiddenBattle(t *testing.T) {
	e := setup(t)
	ts := newHTTP(t, e)
	v, err := e.client.CreateBattle(e.as(t, "C"), &battles.CreateBattleRequest{PhotoURL: "u", Invitees: []string{"P"}})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/battles/" + v.Battle.ID
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
