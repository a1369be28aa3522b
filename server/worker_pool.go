package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// WorkerPoolConfig controls a DeliveryPool's concurrency and queuing.
type WorkerPoolConfig struct {
	WorkerCount int
	QueueSize   int
}

// deliveryTask pairs one AMQP delivery with the time it was enqueued, so a
// worker can log how long it sat waiting for a free slot.
type deliveryTask struct {
	delivery  amqp.Delivery
	queuedAt  time.Time
}

// DeliveryPool runs a bounded set of worker goroutines draining a shared
// queue of AMQP deliveries into a Mux, the same shape as a bounded
// goroutine pool with queueing and graceful shutdown via context
// cancellation plus a WaitGroup bounded by a timeout.
type DeliveryPool struct {
	mux         *Mux
	workerCount int
	queue       chan deliveryTask

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func NewDeliveryPool(mux *Mux, cfg WorkerPoolConfig) *DeliveryPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeliveryPool{
		mux:         mux,
		workerCount: cfg.WorkerCount,
		queue:       make(chan deliveryTask, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *DeliveryPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("delivery pool already started")
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.started = true
	log.Infof("server: delivery pool started with %d workers, queue size %d", p.workerCount, cap(p.queue))
	return nil
}

// Stop cancels further processing and waits up to timeout for in-flight
// deliveries to finish.
func (p *DeliveryPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("delivery pool shutdown timeout exceeded")
	}
}

// Submit enqueues a delivery, or reports backpressure if the queue is full
// or the pool is shutting down.
func (p *DeliveryPool) Submit(d amqp.Delivery) error {
	select {
	case p.queue <- deliveryTask{delivery: d, queuedAt: time.Now()}:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("delivery pool is shutting down")
	default:
		log.Warnf("server: delivery pool queue full, dropping message %s", d.CorrelationId)
		return fmt.Errorf("delivery pool queue is full")
	}
}

func (p *DeliveryPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.process(id, task)
		}
	}
}

func (p *DeliveryPool) process(workerID int, task deliveryTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("server: worker %d panic recovered processing %s: %v", workerID, task.delivery.CorrelationId, r)
		}
	}()
	queueTime := time.Since(task.queuedAt)
	if queueTime > time.Second {
		log.Warnf("server: worker %d picked up %s after %v in queue", workerID, task.delivery.CorrelationId, queueTime)
	}
	p.mux.HandleDelivery(p.ctx, task.delivery)
}
