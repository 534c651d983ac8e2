package broadcast_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/tally"
)

type closedSink struct{}

func (closedSink) Deliver(broadcast.Event) error { return broadcast.ErrSinkClosed }

func newBroadcaster(queue int) *broadcast.Broadcaster {
	return broadcast.New(logger.Discard(), queue)
}

func TestDispatchReachesBattleAndFeed(t *testing.T) {
	b := newBroadcaster(8)

	battle := broadcast.NewChanSink(4)
	other := broadcast.NewChanSink(4)
	feed := broadcast.NewChanSink(4)
	b.Subscribe("b1", battle)
	b.Subscribe("b2", other)
	b.Subscribe(broadcast.FeedTopic, feed)

	b.Dispatch(broadcast.NewBattleEnded("b1", nil))

	require.Len(t, battle.C, 1)
	require.Len(t, feed.C, 1)
	assert.Len(t, other.C, 0)
	assert.Equal(t, uint64(2), b.Stats().Delivered)
}

func TestCancelledEventsStayOffFeed(t *testing.T) {
	b := newBroadcaster(8)

	battle := broadcast.NewChanSink(4)
	feed := broadcast.NewChanSink(4)
	b.Subscribe("b1", battle)
	b.Subscribe(broadcast.FeedTopic, feed)

	b.Dispatch(broadcast.NewBattleCancelled("b1", "creator"))

	require.Len(t, battle.C, 1)
	assert.Len(t, feed.C, 0, "pending battles are not public")

	b.Dispatch(broadcast.NewBattleActivated("b2", time.Now()))
	assert.Len(t, feed.C, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBroadcaster(8)
	sink := broadcast.NewChanSink(4)

	id := b.Subscribe("b1", sink)
	assert.Equal(t, 1, b.Subscribers("b1"))

	b.Unsubscribe("b1", id)
	b.Unsubscribe("b1", id) // idempotent
	assert.Equal(t, 0, b.Subscribers("b1"))

	b.Dispatch(broadcast.NewBattleEnded("b1", nil))
	assert.Len(t, sink.C, 0)
	assert.Equal(t, int64(0), b.Stats().Subscribers)
}

func TestFullSinkDropsButStaysSubscribed(t *testing.T) {
	b := newBroadcaster(8)
	sink := broadcast.NewChanSink(1)
	b.Subscribe("b1", sink)

	b.Dispatch(broadcast.NewBattleCancelled("b1", "creator"))
	b.Dispatch(broadcast.NewBattleCancelled("b1", "creator"))

	assert.Len(t, sink.C, 1)
	assert.Equal(t, 1, b.Subscribers("b1"))
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestClosedSinkIsRemoved(t *testing.T) {
	b := newBroadcaster(8)
	b.Subscribe("b1", closedSink{})
	healthy := broadcast.NewChanSink(1)
	b.Subscribe("b1", healthy)

	b.Dispatch(broadcast.NewBattleEnded("b1", nil))

	assert.Equal(t, 1, b.Subscribers("b1"))
	assert.Len(t, healthy.C, 1)
	assert.Equal(t, uint64(1), b.Stats().Removed)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newBroadcaster(1)

	assert.True(t, b.Publish(broadcast.NewBattleEnded("b1", nil)))
	assert.False(t, b.Publish(broadcast.NewBattleEnded("b1", nil)), "queue full, Run not started")

	s := b.Stats()
	assert.Equal(t, uint64(1), s.Published)
	assert.Equal(t, uint64(1), s.Dropped)
}

func TestRunDeliversQueuedEvents(t *testing.T) {
	b := newBroadcaster(8)
	sink := broadcast.NewChanSink(4)
	b.Subscribe("b1", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	res := tally.Compute([]string{"c", "p"}, map[string]int64{"c": 1})
	b.Publish(broadcast.NewVoteUpdate("b1", res))

	select {
	case e := <-sink.C:
		upd, ok := e.(broadcast.VoteUpdate)
		require.True(t, ok)
		assert.Equal(t, int64(1), upd.TotalVotes)
		assert.Equal(t, 100, upd.PerParticipant[0].Percentage)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

// TestConcurrentSubscribeAndDispatch exercises the registry from many
// goroutines at once; run with -race.
func TestConcurrentSubscribeAndDispatch(t *testing.T) {
	b := newBroadcaster(8)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("b%d", i%5)
			id := b.Subscribe(topic, broadcast.NewChanSink(1))
			b.Unsubscribe(topic, id)
		}(i)
		go func(i int) {
			defer wg.Done()
			b.Dispatch(broadcast.NewBattleEnded(fmt.Sprintf("b%d", i%5), nil))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(0), b.Stats().Subscribers)
}

func TestEventWireShapes(t *testing.T) {
	res := tally.Compute([]string{"c", "p"}, map[string]int64{"c": 1})
	raw, err := json.Marshal(broadcast.NewVoteUpdate("b1", res))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"voteUpdate","battleId":"b1","totalVotes":1,
		"perParticipant":[
			{"participantId":"c","voteCount":1,"percentage":100},
			{"participantId":"p","voteCount":0,"percentage":0}
		]}`, string(raw))

	raw, err = json.Marshal(broadcast.NewBattleEnded("b1", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"battleEnded","battleId":"b1","winnerId":null}`, string(raw))

	winner := "c"
	raw, err = json.Marshal(broadcast.NewBattleEnded("b1", &winner))
	require.NoError(t, err)

	var msg broadcast.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, broadcast.TypeBattleEnded, msg.Type)
	require.NotNil(t, msg.WinnerID)
	assert.Equal(t, "c", *msg.WinnerID)
}
