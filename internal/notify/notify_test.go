package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/testutil"
)

type failing struct{}

func (failing) Notify(context.Context, string, notify.Kind, map[string]any) error {
	return errors.New("smtp down")
}

func TestRedisQueuePushesMessage(t *testing.T) {
	ctx := context.Background()
	rc, mr := testutil.NewRedis(t)

	q := notify.NewRedisQueue(rc.Client, "")
	require.NoError(t, q.Notify(ctx, "u1", notify.KindBattleResult, map[string]any{"battle_id": "b1", "won": true}))

	items, err := mr.List(notify.DefaultQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg notify.Message
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "u1", msg.UserID)
	assert.Equal(t, notify.KindBattleResult, msg.Kind)
	assert.Equal(t, true, msg.Payload["won"])
}

func TestRedisQueueReportsBrokenRedis(t *testing.T) {
	rc, mr := testutil.NewRedis(t)
	mr.Close()

	err := notify.NewRedisQueue(rc.Client, "q").Notify(context.Background(), "u1", notify.KindVote, nil)
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := notify.LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, n.Notify(context.Background(), "u1", notify.KindBattleStart, nil))
	assert.Contains(t, buf.String(), "kind=battle_start")
	assert.Contains(t, buf.String(), "user_id=u1")
}

func TestMultiJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	m := notify.Multi{failing{}, notify.LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}}

	err := m.Notify(context.Background(), "u1", notify.KindBattleInvite, nil)
	assert.ErrorContains(t, err, "smtp down")
	assert.Contains(t, buf.String(), "battle_invite", "later notifiers still run")
}
