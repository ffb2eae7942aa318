package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("postgres", func(ctx context.Context) error {
		if _, has := ctx.Deadline(); !has {
			t.Error("expected ping context to carry a deadline")
		}
		return nil
	})
	if st := ok(context.Background()); !st.Healthy || st.Name != "postgres" {
		t.Fatalf("expected healthy postgres, got %+v", st)
	}

	bad := PingChecker("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	st := bad(context.Background())
	if st.Healthy {
		t.Fatal("expected unhealthy")
	}
	if st.Detail != "dial tcp: refused" {
		t.Fatalf("unexpected detail %q", st.Detail)
	}
}

func TestBacklogChecker(t *testing.T) {
	depth := 3
	c := BacklogChecker("recompute_queue", func() int { return depth }, 10)

	if st := c(context.Background()); !st.Healthy || st.Detail != "3/10" {
		t.Fatalf("expected healthy 3/10, got %+v", st)
	}

	depth = 10
	if st := c(context.Background()); st.Healthy {
		t.Fatalf("expected full queue to be unhealthy, got %+v", st)
	}
}
