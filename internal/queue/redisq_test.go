package queue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/prcworker/internal/domain"
)

func TestRedisBroadcasterDeliversUpdates(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, UpdateChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	h := newHarness(t, Config{PublishResults: true}, Deps{Broadcaster: NewRedisBroadcaster(rdb)})
	h.doer.replies = append(h.doer.replies, reply(http.StatusOK, `[]`, nil))
	_, err = h.s.Submit(Request{Endpoint: domain.ServerVehicles, TenantKey: "k"})
	require.NoError(t, err)
	require.True(t, h.step())

	select {
	case m := <-sub.Channel():
		require.Equal(t, domain.HashKey("k")+":ServerVehicles:[]", m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("update not published")
	}
}
