package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(PingChecker("postgres", fakePinger{}, time.Second))
	r.Register(PingChecker("redis", fakePinger{}, time.Second))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if len(statuses) != 2 || statuses[0].Name != "postgres" || statuses[1].Name != "redis" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(PingChecker("postgres", fakePinger{}, time.Second))
	r.Register(PingChecker("redis", fakePinger{err: errors.New("connection refused")}, time.Second))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Fatalf("unexpected redis status: %+v", statuses[1])
	}
}

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Fatalf("empty registry should be healthy, got %v %v", healthy, statuses)
	}
}
