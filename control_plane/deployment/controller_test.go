package deployment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/streaming"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	topics   []string
	payloads []interface{}
	fail     error
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	if p.fail != nil {
		return p.fail
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) lastAssignment(t *testing.T) streaming.AssignmentEvent {
	t.Helper()
	for i := len(p.payloads) - 1; i >= 0; i-- {
		if ev, ok := p.payloads[i].(streaming.AssignmentEvent); ok {
			return ev
		}
	}
	t.Fatal("no assignment event published")
	return streaming.AssignmentEvent{}
}

func seedAction(s *store.MemoryStore, tenant, actionID, deviceID, setID string, createdAt time.Time) {
	s.PutAction(&store.Action{
		ActionID:          actionID,
		Tenant:            tenant,
		DeviceID:          deviceID,
		DistributionSetID: setID,
		Status:            store.StatusRunning,
		Active:            true,
		CreatedAt:         createdAt,
	})
}

func TestRegisterOrFindIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &capturePublisher{}
	c := NewController(s, pub)
	ctx := context.Background()

	if err := c.RegisterOrFind(ctx, "t1", "dev-1", "reply.dev-1"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := c.RegisterOrFind(ctx, "t1", "dev-1", "reply.dev-1.new"); err != nil {
		t.Fatalf("second registration failed: %v", err)
	}

	device, err := s.GetDevice(ctx, "t1", "dev-1")
	if err != nil {
		t.Fatalf("device not stored: %v", err)
	}
	if device.ReplyAddress != "reply.dev-1.new" {
		t.Errorf("reply address not refreshed: %s", device.ReplyAddress)
	}
}

func TestRegisterPublishesOldestActiveAction(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &capturePublisher{}
	c := NewController(s, pub)
	ctx := context.Background()

	base := time.Now()
	seedAction(s, "t1", "a-newer", "dev-1", "set-2", base.Add(time.Minute))
	seedAction(s, "t1", "a-older", "dev-1", "set-1", base)
	s.PutSoftwareModule(&store.SoftwareModule{
		ModuleID: "m1", Tenant: "t1", DistributionSetID: "set-1",
		Name: "firmware", Version: "1.2.0", Type: "os",
	})

	if err := c.RegisterOrFind(ctx, "t1", "dev-1", "reply.dev-1"); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	ev := pub.lastAssignment(t)
	if ev.ActionID != "a-older" {
		t.Errorf("published action %s, want the oldest (a-older)", ev.ActionID)
	}
	if len(ev.SoftwareModules) != 1 || ev.SoftwareModules[0].ModuleID != "m1" {
		t.Errorf("assignment modules wrong: %+v", ev.SoftwareModules)
	}
	if ev.ReplyAddress != "reply.dev-1" {
		t.Errorf("assignment reply address wrong: %s", ev.ReplyAddress)
	}
}

func TestRegisterWithoutActiveActionPublishesNothing(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &capturePublisher{}
	c := NewController(s, pub)

	if err := c.RegisterOrFind(context.Background(), "t1", "dev-1", "reply.dev-1"); err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	if len(pub.topics) != 0 {
		t.Errorf("expected no events, got %v", pub.topics)
	}
}

func TestHandleStatusReportRecordsEvent(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewController(s, &capturePublisher{})
	ctx := context.Background()

	seedAction(s, "t1", "a1", "dev-1", "set-1", time.Now())

	err := c.HandleStatusReport(ctx, "t1", "a1", "DOWNLOAD", []string{"fetching", "50%"})
	if err != nil {
		t.Fatalf("status report failed: %v", err)
	}

	action, err := s.GetAction(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("action lookup failed: %v", err)
	}
	if action.Status != store.StatusDownload || !action.Active {
		t.Errorf("action is %s/active=%v, want DOWNLOAD/active", action.Status, action.Active)
	}

	events, err := s.ListStatusEvents(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("event listing failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Message != "fetching, 50%" {
		t.Errorf("messages not joined: %q", events[0].Message)
	}
}

func TestHandleStatusReportTerminalOffersNextAction(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &capturePublisher{}
	c := NewController(s, pub)
	ctx := context.Background()

	s.PutDevice(&store.Device{DeviceID: "dev-1", Tenant: "t1", ReplyAddress: "reply.dev-1"})
	base := time.Now()
	seedAction(s, "t1", "a1", "dev-1", "set-1", base)
	seedAction(s, "t1", "a2", "dev-1", "set-2", base.Add(time.Minute))

	if err := c.HandleStatusReport(ctx, "t1", "a1", "FINISHED", nil); err != nil {
		t.Fatalf("status report failed: %v", err)
	}

	finished, _ := s.GetAction(ctx, "t1", "a1")
	if finished.Active {
		t.Error("finished action still active")
	}

	ev := pub.lastAssignment(t)
	if ev.ActionID != "a2" {
		t.Errorf("follow-up assignment is %s, want a2", ev.ActionID)
	}
}

func TestHandleStatusReportClosedActionStaysClosed(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewController(s, &capturePublisher{})
	ctx := context.Background()

	s.PutAction(&store.Action{
		ActionID: "a1", Tenant: "t1", DeviceID: "dev-1",
		Status: store.StatusFinished, Active: false, CreatedAt: time.Now(),
	})

	if err := c.HandleStatusReport(ctx, "t1", "a1", "RUNNING", nil); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	action, _ := s.GetAction(ctx, "t1", "a1")
	if action.Active || action.Status != store.StatusFinished {
		t.Errorf("closed action reopened: %s/active=%v", action.Status, action.Active)
	}
	events, _ := s.ListStatusEvents(ctx, "t1", "a1")
	if len(events) != 0 {
		t.Errorf("dropped report recorded %d events", len(events))
	}
}

func TestHandleStatusReportCancelRejectedOnCanceledAction(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewController(s, &capturePublisher{})
	ctx := context.Background()

	s.PutAction(&store.Action{
		ActionID: "a1", Tenant: "t1", DeviceID: "dev-1",
		Status: store.StatusCanceled, Active: false, CreatedAt: time.Now(),
	})

	if err := c.HandleStatusReport(ctx, "t1", "a1", CancelRejected, nil); err != nil {
		t.Fatalf("report failed: %v", err)
	}

	action, _ := s.GetAction(ctx, "t1", "a1")
	if !action.Active || action.Status != store.StatusWarning {
		t.Errorf("got %s/active=%v, want WARNING/active", action.Status, action.Active)
	}
}

func TestHandleStatusReportUnknownAction(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewController(s, &capturePublisher{})

	err := c.HandleStatusReport(context.Background(), "t1", "missing", "RUNNING", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestHandleStatusReportTenantIsolation(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewController(s, &capturePublisher{})

	seedAction(s, "t1", "a1", "dev-1", "set-1", time.Now())

	err := c.HandleStatusReport(context.Background(), "t2", "a1", "RUNNING", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant lookup got %v, want ErrNotFound", err)
	}
}

func TestNotifyCancelPublishesCancelEvent(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &capturePublisher{}
	c := NewController(s, pub)

	s.PutDevice(&store.Device{DeviceID: "dev-1", Tenant: "t1", ReplyAddress: "reply.dev-1"})
	seedAction(s, "t1", "a1", "dev-1", "set-1", time.Now())

	if err := c.NotifyCancel(context.Background(), "t1", "a1"); err != nil {
		t.Fatalf("cancel notification failed: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != streaming.TopicCancel {
		t.Fatalf("got topics %v, want one cancel", pub.topics)
	}
	ev := pub.payloads[0].(streaming.CancelEvent)
	if ev.ActionID != "a1" || ev.DeviceID != "dev-1" {
		t.Errorf("cancel event wrong: %+v", ev)
	}
}
