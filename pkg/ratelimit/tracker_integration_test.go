//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_CooldownLifecycle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	policy := DefaultPolicy()
	policy.Cooldown = 2 * time.Second

	tracker := NewTracker(NewRedisStateStore(redisClient), policy, logger)
	ctx := context.Background()

	allowed, err := tracker.CanDispatch(ctx)
	if err != nil {
		t.Fatalf("CanDispatch() error = %v", err)
	}
	if !allowed {
		t.Fatal("fresh tracker should allow dispatch")
	}

	if err := tracker.RecordDispatch(ctx); err != nil {
		t.Fatalf("RecordDispatch() error = %v", err)
	}
	if err := tracker.RecordFailure(ctx, true); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	allowed, err = tracker.CanDispatch(ctx)
	if err != nil {
		t.Fatalf("CanDispatch() error = %v", err)
	}
	if allowed {
		t.Fatal("CanDispatch() = true during cooldown")
	}

	time.Sleep(policy.Cooldown + 200*time.Millisecond)

	allowed, err = tracker.CanDispatch(ctx)
	if err != nil {
		t.Fatalf("CanDispatch() error = %v", err)
	}
	if !allowed {
		t.Fatal("CanDispatch() = false after cooldown expiry")
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.IsInCooldown || state.ConsecutiveErrors != 0 {
		t.Errorf("state after expiry = %+v, want cooldown cleared and errors reset", state)
	}
	if state.RequestsThisWindow != 1 {
		t.Errorf("RequestsThisWindow = %d, want 1", state.RequestsThisWindow)
	}
}

func TestTracker_Integration_WindowCeiling(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	policy := DefaultPolicy()
	policy.MaxRequests = 3

	tracker := NewTracker(NewRedisStateStore(redisClient), policy, logger)
	ctx := context.Background()

	for i := 0; i < policy.MaxRequests; i++ {
		if err := tracker.RecordDispatch(ctx); err != nil {
			t.Fatalf("RecordDispatch() error = %v", err)
		}
	}

	allowed, err := tracker.CanDispatch(ctx)
	if err != nil {
		t.Fatalf("CanDispatch() error = %v", err)
	}
	if allowed {
		t.Error("CanDispatch() = true at window ceiling")
	}
}
