// Package bus connects message transports (redis queue, websocket device
// channel) to the protocol dispatcher through a shared worker pool.
package bus

import (
	"context"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/protocol"
)

// ReplyFunc routes a reply back over the transport the message arrived
// on. Nil for transports that cannot reply.
type ReplyFunc func(ctx context.Context, reply *protocol.Reply) error

// Delivery is one inbound message plus its reply channel.
type Delivery struct {
	Message protocol.Message
	Reply   ReplyFunc
}

// Consumer fans deliveries from all transports into a fixed worker pool.
// Messages of one tenant are rate limited as a group; excess load is shed
// (dropped with a metric), mirroring how the transport would reject a
// storm, and the device re-sends if it cares.
type Consumer struct {
	dispatcher *protocol.Dispatcher
	limiter    *TenantLimiter
	queue      chan Delivery
	workers    int

	wg sync.WaitGroup
}

func NewConsumer(dispatcher *protocol.Dispatcher, workers int, queueDepth int, limiter *TenantLimiter) *Consumer {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Consumer{
		dispatcher: dispatcher,
		limiter:    limiter,
		queue:      make(chan Delivery, queueDepth),
		workers:    workers,
	}
}

// Start launches the worker pool. Workers drain until ctx is done.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-c.queue:
					c.handle(ctx, d)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Enqueue hands a delivery to the pool. It blocks while the queue is
// full so a slow pool backpressures the transport read loops, and gives
// up when ctx is canceled.
func (c *Consumer) Enqueue(ctx context.Context, d Delivery) bool {
	select {
	case c.queue <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	tenant := d.Message.Tenant
	if c.limiter != nil && !c.limiter.Allow(tenant) {
		observability.MessagesRateLimited.WithLabelValues(tenant).Inc()
		log.Printf("Message dropped by rate limiter (tenant=%s kind=%s)", tenant, d.Message.Kind)
		return
	}

	reply, err := c.dispatcher.Handle(ctx, d.Message)
	if err != nil {
		// Already logged and counted by the dispatcher. Violations are
		// fatal for the message; there is no retry or negative ack here.
		return
	}
	if reply != nil && d.Reply != nil {
		if err := d.Reply(ctx, reply); err != nil {
			log.Printf("Failed to send reply (tenant=%s): %v", tenant, err)
		}
	}
}

// TenantLimiter is a per-tenant token bucket.
type TenantLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTenantLimiter creates a limiter with r messages per second and burst
// b per tenant.
func NewTenantLimiter(r float64, b int) *TenantLimiter {
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow checks whether the tenant may proceed.
func (l *TenantLimiter) Allow(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[tenant]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[tenant] = limiter
	}
	return limiter.Allow()
}
