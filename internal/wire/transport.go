package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EndpointQueueName maps a "host:port" endpoint to the AMQP queue the proxy
// instance bound to that endpoint consumes from. One queue per endpoint
// turns a single fixed device queue into a multinode addressing scheme.
func EndpointQueueName(hostPort string) string {
	return "ojp.endpoint." + hostPort
}

// Requester publishes a request envelope to an endpoint's queue and waits
// for the correlated reply, honoring ctx's deadline. It is the transport
// primitive both the client dispatcher and any intra-proxy forwarding use,
// using a reply-queue-plus-correlation-id RPC pattern over AMQP.
type Requester struct {
	ch         *amqp.Channel
	replyQueue amqp.Queue
	deliveries <-chan amqp.Delivery
}

// NewRequester declares an exclusive, auto-delete reply queue on ch and
// begins consuming from it. The returned Requester is not safe for
// concurrent use by multiple goroutines issuing overlapping calls; callers
// needing concurrency should multiplex correlation ids themselves.
func NewRequester(ch *amqp.Channel) (*Requester, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: consume reply queue: %w", err)
	}
	return &Requester{ch: ch, replyQueue: q, deliveries: deliveries}, nil
}

// Call publishes env to the queue for targetEndpoint and blocks for the
// matching reply, or until ctx is done. Deadline is also embedded in the
// envelope (DeadlineUnix) so the remote side can bound its own work even if
// the transport itself has no notion of message TTL configured.
func (r *Requester) Call(ctx context.Context, targetEndpoint string, env Envelope) (*Response, error) {
	corrID := uuid.NewString()
	if dl, ok := ctx.Deadline(); ok {
		env.DeadlineUnix = dl.UnixMilli()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}

	err = r.ch.PublishWithContext(ctx, "", EndpointQueueName(targetEndpoint), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       r.replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return nil, NewError(KindTransportUnavailable, "publish to %s: %v", targetEndpoint, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, NewError(KindDeadline, "waiting for reply from %s: %v", targetEndpoint, ctx.Err())
		case d, ok := <-r.deliveries:
			if !ok {
				return nil, NewError(KindTransportUnavailable, "reply channel closed while waiting on %s", targetEndpoint)
			}
			if d.CorrelationId != corrID {
				log.Debugf("wire: discarding stale reply correlation=%s want=%s", d.CorrelationId, corrID)
				continue
			}
			var resp Response
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				return nil, NewError(KindTransportUnavailable, "decode reply from %s: %v", targetEndpoint, err)
			}
			return &resp, nil
		}
	}
}

// Responder is the server-side half: it decodes one delivery into an
// Envelope and knows how to publish a Response back to its ReplyTo/
// CorrelationId.
type Responder struct {
	ch *amqp.Channel
}

func NewResponder(ch *amqp.Channel) *Responder {
	return &Responder{ch: ch}
}

// DecodeRequest extracts the Envelope and the originating reply-to/
// correlation-id pair from a raw delivery.
func DecodeRequest(d amqp.Delivery) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode request: %w", err)
	}
	return env, nil
}

// Reply publishes resp to replyTo, correlated by corrID. Publish deadline is
// bounded by a short local timeout independent of the original request's
// deadline, since by the time we reply that deadline may already be tight.
func (r *Responder) Reply(replyTo, corrID string, resp Response) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("wire: marshal response: %w", err)
	}
	return r.ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		Body:          body,
	})
}
