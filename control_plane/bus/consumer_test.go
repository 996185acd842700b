package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/otaforge/otaforge/control_plane/deployment"
	"github.com/otaforge/otaforge/control_plane/protocol"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/streaming"
	"github.com/otaforge/otaforge/control_plane/tokens"
)

func testConsumer(t *testing.T, limiter *TenantLimiter) (*Consumer, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	controller := deployment.NewController(s, streaming.NewLogPublisher())
	auth := protocol.NewAuthenticator(s, tokens.NewMemoryCache(time.Minute), nil, "http://localhost:8080")
	dispatcher := protocol.NewDispatcher(controller, auth)

	c := NewConsumer(dispatcher, 2, 16, limiter)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})
	return c, s
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestConsumerDispatchesMessages(t *testing.T) {
	c, s := testConsumer(t, nil)
	ctx := context.Background()

	ok := c.Enqueue(ctx, Delivery{Message: protocol.Message{
		Kind:         protocol.KindDeviceOnline,
		Tenant:       "t1",
		ContentType:  "application/json",
		DeviceID:     "dev-1",
		ReplyAddress: "reply.dev-1",
	}})
	if !ok {
		t.Fatal("enqueue refused")
	}

	registered := waitFor(t, func() bool {
		_, err := s.GetDevice(ctx, "t1", "dev-1")
		return err == nil
	})
	if !registered {
		t.Fatal("device never registered")
	}
}

func TestConsumerRoutesReplies(t *testing.T) {
	c, s := testConsumer(t, nil)
	ctx := context.Background()

	s.PutDevice(&store.Device{DeviceID: "dev-1", Tenant: "t1", SecurityToken: "secret"})

	body, _ := json.Marshal(protocol.SecurityToken{DeviceID: "dev-1", Credential: "wrong", SHA1: "abc"})
	replies := make(chan *protocol.Reply, 1)

	c.Enqueue(ctx, Delivery{
		Message: protocol.Message{
			Kind:        protocol.KindAuthenticate,
			Tenant:      "t1",
			ContentType: "application/json",
			Body:        body,
		},
		Reply: func(ctx context.Context, r *protocol.Reply) error {
			replies <- r
			return nil
		},
	})

	select {
	case reply := <-replies:
		var resp protocol.DownloadResponse
		if err := json.Unmarshal(reply.Body, &resp); err != nil {
			t.Fatalf("undecodable reply: %v", err)
		}
		if resp.ResponseCode != 403 {
			t.Errorf("got code %d, want 403", resp.ResponseCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply arrived")
	}
}

func TestConsumerShedsRateLimitedMessages(t *testing.T) {
	// Zero rate and burst: every message is shed.
	c, s := testConsumer(t, NewTenantLimiter(0, 0))
	ctx := context.Background()

	c.Enqueue(ctx, Delivery{Message: protocol.Message{
		Kind:         protocol.KindDeviceOnline,
		Tenant:       "t1",
		ContentType:  "application/json",
		DeviceID:     "dev-1",
		ReplyAddress: "reply.dev-1",
	}})

	time.Sleep(50 * time.Millisecond)
	if _, err := s.GetDevice(ctx, "t1", "dev-1"); err == nil {
		t.Fatal("rate-limited message was handled")
	}
}

func TestEnqueueGivesUpOnCanceledContext(t *testing.T) {
	dispatcher := protocol.NewDispatcher(
		deployment.NewController(store.NewMemoryStore(), streaming.NewLogPublisher()),
		nil,
	)
	c := NewConsumer(dispatcher, 1, 1, nil)
	// Pool never started: the queue fills and Enqueue must block, then
	// give up once the context dies.
	ctx, cancel := context.WithCancel(context.Background())
	c.Enqueue(ctx, Delivery{})
	cancel()
	if c.Enqueue(ctx, Delivery{}) {
		t.Fatal("enqueue succeeded on canceled context")
	}
}

func TestTenantLimiterIsolatesTenants(t *testing.T) {
	l := NewTenantLimiter(1, 1)

	if !l.Allow("t1") {
		t.Fatal("first message must pass")
	}
	if l.Allow("t1") {
		t.Fatal("burst exceeded but allowed")
	}
	if !l.Allow("t2") {
		t.Fatal("another tenant must have its own bucket")
	}
}
