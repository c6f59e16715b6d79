package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemHubRouting(t *testing.T) {
	hub := NewMemHub(MemHubConfig{Seed: 1})
	defer hub.Close()

	a := hub.Endpoint("a", 2)
	b := hub.Endpoint("b", 2)
	recv, ch := collector()
	b.SetReceiver(recv)

	ctx := context.Background()
	if err := a.EnsurePaths(ctx, 2); err != nil {
		t.Fatalf("打开路径失败: %v", err)
	}
	if err := b.EnsurePaths(ctx, 2); err != nil {
		t.Fatalf("打开路径失败: %v", err)
	}

	a.Send(1, "b", []byte{1}, []byte("x"))
	a.Send(0, "__1__.b", nil, []byte("y"))

	// 不同路径的投递协程互不保序，按路径核对
	want := map[int]string{0: "__1__.a", 1: "__0__.a"}
	for i := 0; i < len(want); i++ {
		select {
		case r := <-ch:
			if want[r.path] != r.from {
				t.Errorf("路径 %d 来源 = %s, want %s", r.path, r.from, want[r.path])
			}
		case <-time.After(time.Second):
			t.Fatal("未收到数据报")
		}
	}

	a.Send(0, "nobody", nil, nil)
	if hub.Stats().Unroutable != 1 {
		t.Errorf("Unroutable = %d, want 1", hub.Stats().Unroutable)
	}
}

func TestMemEndpointPaths(t *testing.T) {
	hub := NewMemHub(MemHubConfig{})
	defer hub.Close()

	e := hub.Endpoint("e", 2)
	if err := e.Send(0, "x", nil, nil); !errors.Is(err, ErrPathNotOpen) {
		t.Errorf("期望 ErrPathNotOpen, got %v", err)
	}
	if err := e.EnsurePaths(context.Background(), 3); !errors.Is(err, ErrTooManyPaths) {
		t.Errorf("期望 ErrTooManyPaths, got %v", err)
	}
	if err := e.EnsurePaths(context.Background(), 1); err != nil {
		t.Fatalf("打开路径失败: %v", err)
	}

	dup := hub.Endpoint("e", 1)
	if err := dup.EnsurePaths(context.Background(), 1); !errors.Is(err, ErrIdentityInUse) {
		t.Errorf("期望 ErrIdentityInUse, got %v", err)
	}

	e.Close()
	if e.Paths() != 0 {
		t.Errorf("关闭后路径数 = %d", e.Paths())
	}
	if err := dup.EnsurePaths(context.Background(), 1); err != nil {
		t.Errorf("注销后应可重新注册: %v", err)
	}
}

func TestMemHubFaults(t *testing.T) {
	hub := NewMemHub(MemHubConfig{LossRate: 1, Seed: 7})
	defer hub.Close()

	a := hub.Endpoint("a", 1)
	b := hub.Endpoint("b", 1)
	a.EnsurePaths(context.Background(), 1)
	b.EnsurePaths(context.Background(), 1)

	for i := 0; i < 10; i++ {
		a.Send(0, "b", nil, []byte{byte(i)})
	}
	if s := hub.Stats(); s.Lost != 10 || s.Delivered != 0 {
		t.Errorf("全丢包: lost=%d delivered=%d", s.Lost, s.Delivered)
	}

	hub.SetLossRate(0)
	recv, ch := collector()
	b.SetReceiver(recv)
	a.Send(0, "b", nil, []byte("ok"))
	select {
	case r := <-ch:
		if string(r.payload) != "ok" {
			t.Errorf("payload = %q", r.payload)
		}
	case <-time.After(time.Second):
		t.Fatal("恢复后未收到数据报")
	}
}

func TestMemHubDelayAndDuplicate(t *testing.T) {
	hub := NewMemHub(MemHubConfig{DuplicateRate: 1, MaxDelay: 5 * time.Millisecond, Seed: 3})
	defer hub.Close()

	a := hub.Endpoint("a", 1)
	b := hub.Endpoint("b", 1)
	recv, ch := collector()
	b.SetReceiver(recv)
	a.EnsurePaths(context.Background(), 1)
	b.EnsurePaths(context.Background(), 1)

	a.Send(0, "b", nil, []byte("d"))
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("只收到 %d 份副本", i)
		}
	}
	if hub.Stats().Duplicated != 1 {
		t.Errorf("Duplicated = %d, want 1", hub.Stats().Duplicated)
	}
}
