package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Register(ctx, "Echo", ServiceInstance{Addr: "a:1"}, 10)
	reg.Register(ctx, "Echo", ServiceInstance{Addr: "b:2"}, 10)
	reg.Register(ctx, "Echo", ServiceInstance{Addr: "a:1", Version: "2"}, 10)
	reg.Register(ctx, "Other", ServiceInstance{Addr: "c:3"}, 10)

	instances, err := reg.Discover(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("re-registering an address must replace it, got %v", instances)
	}

	reg.Deregister(ctx, "Echo", "b:2")
	instances, _ = reg.Discover(ctx, "Echo")
	if len(instances) != 1 || instances[0].Addr != "a:1" || instances[0].Version != "2" {
		t.Fatalf("unexpected instances %v", instances)
	}

	if instances, _ := reg.Discover(ctx, "Missing"); len(instances) != 0 {
		t.Fatalf("expect no instances, got %v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "Echo")
	reg.Register(context.Background(), "Echo", ServiceInstance{Addr: "a:1"}, 10)
	reg.Register(context.Background(), "Echo", ServiceInstance{Addr: "b:2"}, 10)

	// Only the latest snapshot is kept for a slow watcher.
	select {
	case got := <-updates:
		if len(got) != 2 {
			t.Fatalf("expect latest snapshot with 2 instances, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect watch channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
