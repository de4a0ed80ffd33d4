package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

func TestRegistry_RegisterDefaultsHealthURL(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemStore(), "/ping")

	got, err := r.Register(ctx, Service{Name: "svc-a", URL: "http://svc-a:9000"})
	require.NoError(t, err)
	assert.Equal(t, "http://svc-a:9000/ping", got.HealthURL)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "http://svc-a:9000/ping", list[0].HealthURL)
	assert.NotNil(t, list[0].Tags)

	require.NoError(t, r.Remove(ctx, "svc-a"))
	err = r.Remove(ctx, "svc-a")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		svc  Service
	}{
		{"empty name", Service{Name: "  ", URL: "http://x"}},
		{"no scheme", Service{Name: "a", URL: "svc-a:9000"}},
		{"ftp scheme", Service{Name: "a", URL: "ftp://svc-a"}},
		{"no host", Service{Name: "a", URL: "http://"}},
		{"bad health url", Service{Name: "a", URL: "http://a", HealthURL: "nope"}},
	}
	r := New(NewMemStore(), "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.svc)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindValidation))
		})
	}
}

func TestRegistry_UpsertLastWriteWins(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemStore(), "/ping")
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }
	_, err := r.Register(ctx, Service{Name: "svc", URL: "http://a", Version: "v1"})
	require.NoError(t, err)

	r.now = func() time.Time { return t0.Add(time.Minute) }
	_, err = r.Register(ctx, Service{Name: "svc", URL: "http://b/", HealthURL: "http://b/healthz", Version: "v2"})
	require.NoError(t, err)

	got, err := r.Get(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version)
	assert.Equal(t, "http://b/healthz", got.HealthURL)
	assert.Equal(t, t0.Add(time.Minute), got.LastSeen)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistry_TouchOnlyRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemStore(), "/ping")
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0 }
	_, err := r.Register(ctx, Service{Name: "svc", URL: "http://a", Version: "v7", Tags: []string{"edge"}})
	require.NoError(t, err)

	r.now = func() time.Time { return t0.Add(time.Hour) }
	got, err := r.Touch(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.LastSeen)
	assert.Equal(t, "v7", got.Version)
	assert.Equal(t, []string{"edge"}, got.Tags)

	require.NoError(t, r.Remove(ctx, "svc"))
	_, err = r.Touch(ctx, "svc")
	assert.True(t, model.IsKind(err, model.KindNotFound))
	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "touch never re-creates a removed service")
}

func TestRedisStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer rdb.Del(ctx, registryKey)

	r := New(NewRedisStore(rdb), "/ping")
	_, err := r.Register(ctx, Service{Name: "svc-r", URL: "http://svc-r:1", Tags: []string{"critical"}})
	require.NoError(t, err)

	got, err := r.Get(ctx, "svc-r")
	require.NoError(t, err)
	assert.Equal(t, []string{"critical"}, got.Tags)

	touched, err := r.Touch(ctx, "svc-r")
	require.NoError(t, err)
	assert.Equal(t, []string{"critical"}, touched.Tags)
	assert.False(t, touched.LastSeen.Before(got.LastSeen))

	require.NoError(t, r.Remove(ctx, "svc-r"))
	assert.True(t, model.IsKind(r.Remove(ctx, "svc-r"), model.KindNotFound))
	_, err = r.Touch(ctx, "svc-r")
	assert.True(t, model.IsKind(err, model.KindNotFound))
}
