package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpiresAtFollowsRunAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	item := NewQueueItem(ServerPlayers, "key", nil, time.Time{}, now, 0)
	require.Equal(t, now.Add(DefaultRequestTimeout), item.ExpiresAt())

	for i := 1; i <= 5; i++ {
		n := item.Retry(func(attempts int) time.Time { return now.Add(time.Duration(attempts) * time.Minute) })
		require.Equal(t, i, n)
		require.Equal(t, item.RunAt().Add(DefaultRequestTimeout), item.ExpiresAt())
	}

	item.Defer(now.Add(time.Hour))
	require.Equal(t, now.Add(time.Hour+DefaultRequestTimeout), item.ExpiresAt())
}

func TestQueueItemCompletesOnce(t *testing.T) {
	now := time.Now()
	item := NewQueueItem(ServerInfo, "key", nil, now, now, time.Second)
	require.False(t, item.Complete())

	item.Succeed(Server{Name: "one"})
	item.Fail(CodeInternalError, "late")

	require.True(t, item.Complete())
	require.Equal(t, Succeeded, item.Status())
	out := item.Outcome()
	require.True(t, out.Success)
	require.Equal(t, "one", out.Result.(Server).Name)

	select {
	case <-item.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRecurClonesRequest(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	item := NewQueueItem(ServerQueue, "key", []byte("x"), now, now, 0)
	item.RequeueInterval = 15 * time.Second
	item.Retry(func(int) time.Time { return now })
	item.Succeed(nil)

	next := item.Recur(now.Add(time.Second))
	require.NotEqual(t, item.ID, next.ID)
	require.Equal(t, now.Add(16*time.Second), next.RunAt())
	require.Equal(t, 0, next.Attempts())
	require.Equal(t, Queued, next.Status())
	require.Equal(t, item.RequeueInterval, next.RequeueInterval)
	require.Equal(t, []byte("x"), next.Body)
}

func TestScheduledAtSurvivesReschedules(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	item := NewQueueItem(ServerPlayers, "key", nil, time.Time{}, now, 0)
	require.Equal(t, now, item.ScheduledAt())

	item.Defer(now.Add(6 * time.Second))
	item.Retry(func(int) time.Time { return now.Add(20 * time.Second) })
	require.Equal(t, now.Add(20*time.Second), item.RunAt())
	require.Equal(t, now, item.ScheduledAt())

	item.RequeueInterval = 15 * time.Second
	next := item.Recur(now)
	require.Equal(t, now.Add(15*time.Second), next.ScheduledAt())
}

func TestDecodeIsLenient(t *testing.T) {
	d, ok := ServerInfo.Describe()
	require.True(t, ok)

	v, err := d.Decode([]byte(`{"Name":"Liberty County","CurrentPlayers":"many","MaxPlayers":40}`))
	require.Error(t, err)
	srv := v.(Server)
	require.Equal(t, "Liberty County", srv.Name)
	require.Equal(t, 40, srv.MaxPlayers)
	require.Zero(t, srv.CurrentPlayers)

	cmd, _ := ServerCommand.Describe()
	v, err = cmd.Decode([]byte(`{"message":"Success"}`))
	require.NoError(t, err)
	require.Equal(t, Message{Message: "Success"}, v)
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("ServerStaff")
	require.NoError(t, err)
	require.Equal(t, ServerStaff, e)

	_, err = ParseEndpoint("Nope")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
	require.Len(t, Endpoints(), 12)
}

func TestParseUpstreamError(t *testing.T) {
	e := ParseUpstreamError([]byte(`{"code":4001,"message":"You are being rate limited!"}`))
	require.Equal(t, CodeRateLimited, e.Code)
	require.True(t, e.Code.Retryable())

	e = ParseUpstreamError([]byte(`<html>bad gateway</html>`))
	require.Equal(t, CodeUnknown, e.Code)
	require.Equal(t, "An unknown error occurred.", e.Message)

	e = ParseUpstreamError([]byte(`{"code":2002}`))
	require.True(t, e.Code.Credential())
	require.False(t, e.Code.Retryable())
}

func TestBucketKey(t *testing.T) {
	require.Equal(t, "command-"+HashKey("k"), BucketKey(ServerCommand, "k", true))
	require.Equal(t, GlobalBucket, BucketKey(ServerPlayers, "k", true))
	require.Equal(t, "tenant-"+HashKey("k"), BucketKey(ServerPlayers, "k", false))
	require.Equal(t, UnauthenticatedBucket, BucketKey(ResetAPIKey, "", false))
	require.NotContains(t, BucketKey(ServerCommand, "secret", false), "secret")
}
