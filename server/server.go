// Package server implements the proxy side of the AMQP-based database
// gateway: it accepts client requests over RabbitMQ, dispatches them through
// the per-connHash backend components in this package, and replies with the
// upstream result.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/openjproxy/ojp/internal/wire"
)

// Server owns the AMQP connection and one consumer per endpoint this
// instance serves, feeding every delivery into a shared DeliveryPool.
type Server struct {
	amqpURL   string
	endpoints []string
	workers   WorkerPoolConfig

	node  *ProxyNode
	mux   *Mux
	pool  *DeliveryPool
	stats *StatsReporter

	conn *amqp.Connection
	ch   *amqp.Channel

	shutdownTimeout time.Duration

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer wires a ProxyNode against the given endpoints and AMQP broker,
// ready to Start. The Mux and DeliveryPool are constructed lazily in Start,
// once the AMQP channel exists.
func NewServer(amqpURL string, endpoints []string, node *ProxyNode, workers WorkerPoolConfig, statsInterval time.Duration) *Server {
	return &Server{
		amqpURL:         amqpURL,
		endpoints:       endpoints,
		workers:         workers,
		node:            node,
		shutdownTimeout: 10 * time.Second,
		stats:           NewStatsReporter(node, statsInterval),
	}
}

// Start dials the broker, declares one queue per endpoint per
// wire.EndpointQueueName, and begins consuming into the delivery pool. It
// blocks until ctx is cancelled, then drains in-flight work before
// returning.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.conn, err = amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("server: dial amqp: %w", err)
	}

	s.ch, err = s.conn.Channel()
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("server: open channel: %w", err)
	}

	responder := wire.NewResponder(s.ch)
	s.mux = NewMux(s.node, responder)
	s.pool = NewDeliveryPool(s.mux, s.workers)
	if err := s.pool.Start(); err != nil {
		return fmt.Errorf("server: start delivery pool: %w", err)
	}

	s.node.Start()
	s.stats.Start()

	for _, endpoint := range s.endpoints {
		if err := s.consumeEndpoint(ctx, endpoint); err != nil {
			s.Shutdown(context.Background())
			return err
		}
	}

	<-ctx.Done()
	log.Infof("server: shutdown signal received")
	s.Shutdown(context.Background())
	return nil
}

// consumeEndpoint declares and consumes the queue backing one endpoint,
// auto-acknowledging deliveries on receipt: a delivery that panics or is
// dropped for backpressure is logged, not redelivered, matching the
// at-most-once contract the client's retry/failover already assumes.
func (s *Server) consumeEndpoint(ctx context.Context, endpoint string) error {
	queueName := wire.EndpointQueueName(endpoint)
	if _, err := s.ch.QueueDeclare(queueName, false, false, false, false, nil); err != nil {
		return fmt.Errorf("server: declare queue %s: %w", queueName, err)
	}

	deliveries, err := s.ch.Consume(queueName, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("server: consume %s: %w", queueName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Infof("server: listening on %s (queue %s)", endpoint, queueName)
		for {
			select {
			case <-consumeCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := s.pool.Submit(d); err != nil {
					log.Warnf("server: dropping delivery on %s: %v", endpoint, err)
				}
			}
		}
	}()
	return nil
}

// Shutdown stops accepting new deliveries, drains the worker pool, closes
// the upstream backends, and tears down the AMQP connection.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.pool != nil {
		if err := s.pool.Stop(s.shutdownTimeout); err != nil {
			log.Warnf("server: delivery pool shutdown: %v", err)
		}
	}
	s.stats.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	s.node.Shutdown(drainCtx)

	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
