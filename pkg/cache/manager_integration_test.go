//go:build integration

package cache

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

func TestManager_Integration_SetAndGet(t *testing.T) {
	client := setupRedis(t)
	manager := NewManager(client, time.Minute)
	ctx := context.Background()

	key := Key{Path: "/api/covid-covid-registral", Query: url.Values{"state": {"RJ"}}}
	entry := &Entry{Body: []byte(`{"chart":{}}`), ETag: `"v1"`, StatusCode: 200, Expires: time.Now().Add(time.Minute)}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Body) != `{"chart":{}}` || got.ETag != `"v1"` {
		t.Errorf("Get() = %+v", got)
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("redis TTL = %v, want expiry plus grace", ttl)
	}
}

func TestManager_Integration_MissAndDelete(t *testing.T) {
	client := setupRedis(t)
	manager := NewManager(client, time.Minute)
	ctx := context.Background()
	key := Key{Path: "/missing"}

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}

	if err := manager.Set(ctx, key, &Entry{Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}

	if err := manager.Set(ctx, key, &Entry{Expires: time.Now().Add(-time.Second)}); err != nil {
		t.Errorf("Set(expired) error = %v, want nil", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry was stored")
	}
}

func TestManager_Integration_Refresh(t *testing.T) {
	client := setupRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	key := Key{Path: "/stale"}

	entry := &Entry{Body: []byte("x"), Expires: time.Now().Add(time.Second)}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := manager.Refresh(ctx, key, entry); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TTL() < 59*time.Minute {
		t.Errorf("TTL() after Refresh = %v, want about 1h", got.TTL())
	}
}
