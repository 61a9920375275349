// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var called bool
	sub := bus.Subscribe(EventCredentialsSynced, func(ctx *EventContext) {
		called = true
	})

	if sub == nil {
		t.Fatal("Subscribe returned nil subscription")
	}
	if sub.ID == "" {
		t.Error("Subscription ID should not be empty")
	}
	if sub.Event != EventCredentialsSynced {
		t.Errorf("Expected event %s, got %s", EventCredentialsSynced, sub.Event)
	}

	bus.Publish(NewEvent(EventCredentialsSynced, map[string]any{"profiles": 2}, nil))

	if !called {
		t.Error("Callback should have been called")
	}
}

func TestEventBus_SubscribeWithFilter(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var calledCount int32
	bus.SubscribeWithFilter(EventChatFallback, func(ctx *EventContext) {
		atomic.AddInt32(&calledCount, 1)
	}, func(ctx *EventContext) bool {
		return ctx.Provider == "anthropic"
	})

	bus.Publish(&EventContext{Event: EventChatFallback, Timestamp: time.Now(), Provider: "openai"})
	bus.Publish(&EventContext{Event: EventChatFallback, Timestamp: time.Now(), Provider: "anthropic"})

	if got := atomic.LoadInt32(&calledCount); got != 1 {
		t.Errorf("Expected 1 callback call, got %d", got)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var a, b int32
	subA := bus.Subscribe(EventQueueCleared, func(*EventContext) { atomic.AddInt32(&a, 1) })
	bus.Subscribe(EventQueueCleared, func(*EventContext) { atomic.AddInt32(&b, 1) })

	bus.Publish(NewEvent(EventQueueCleared, nil, nil))
	subA.Unsubscribe()
	bus.Publish(NewEvent(EventQueueCleared, nil, nil))

	if a != 1 || b != 2 {
		t.Errorf("Expected a=1 b=2, got a=%d b=%d", a, b)
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	seen := map[HookEvent]int{}
	unsubscribe := bus.SubscribeAll(func(ctx *EventContext) {
		mu.Lock()
		seen[ctx.Event]++
		mu.Unlock()
	})

	for _, evt := range AllEvents() {
		bus.Publish(NewEvent(evt, nil, nil))
	}
	unsubscribe()
	bus.Publish(NewEvent(EventSyncFailed, nil, nil))

	if len(seen) != len(AllEvents()) {
		t.Fatalf("Expected %d distinct events, got %d", len(AllEvents()), len(seen))
	}
	for evt, n := range seen {
		if n != 1 {
			t.Errorf("Event %s delivered %d times", evt, n)
		}
	}
}

func TestEventBus_PublishAsync(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	done := make(chan *EventContext, 1)
	bus.Subscribe(EventGatewayRestarted, func(ctx *EventContext) { done <- ctx })

	bus.PublishAsync(NewEvent(EventGatewayRestarted, map[string]any{"attempts": 1}, nil))

	select {
	case ctx := <-done:
		if ctx.Data["attempts"] != 1 {
			t.Errorf("Unexpected data: %v", ctx.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Async event was not delivered")
	}
}

func TestEventBus_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var called bool
	bus.Subscribe(EventSyncFailed, func(*EventContext) { panic("boom") })
	bus.Subscribe(EventSyncFailed, func(*EventContext) { called = true })

	bus.Publish(NewEvent(EventSyncFailed, nil, errors.New("mongo down")))

	if !called {
		t.Error("Second subscriber should still run")
	}
}

func TestEventBus_Shutdown(t *testing.T) {
	bus := NewEventBus()

	var count int32
	bus.Subscribe(EventChatFailed, func(*EventContext) { atomic.AddInt32(&count, 1) })

	bus.Shutdown()
	bus.Shutdown()
	bus.PublishAsync(NewEvent(EventChatFailed, nil, nil))

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Error("No events should be delivered after shutdown")
	}
}

func TestEventBus_ConcurrentAccess(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(EventChatFallback, func(*EventContext) { atomic.AddInt64(&count, 1) })
			for j := 0; j < 10; j++ {
				bus.Publish(NewEvent(EventChatFallback, nil, nil))
			}
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&count) == 0 {
		t.Error("Expected some deliveries")
	}
}

func TestNewEvent_ErrorMessage(t *testing.T) {
	evt := NewEvent(EventSyncFailed, nil, errors.New("decrypt failed"))
	if evt.ErrorMessage != "decrypt failed" {
		t.Errorf("Expected error message to be copied, got %q", evt.ErrorMessage)
	}
	if evt.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func BenchmarkEventBus_Publish(b *testing.B) {
	bus := NewEventBus()
	defer bus.Shutdown()
	bus.Subscribe(EventCredentialsSynced, func(*EventContext) {})
	evt := NewEvent(EventCredentialsSynced, map[string]any{"profiles": 3}, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(evt)
	}
}
