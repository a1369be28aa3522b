package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
	log "github.com/sirupsen/logrus"
)

// DispatchConfig controls retry/backoff for the dispatcher, the client-side
// counterpart of `multinode.retryAttempts` and `multinode.retryDelayMs`.
// Driver.Open fills it from ParseDSN's defaults.
type DispatchConfig struct {
	ConnHash      string
	ClientUUID    string
	RetryAttempts int // -1 = unbounded retries until the caller's deadline expires
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

// Dispatcher is the multinode client dispatcher: instead of one RPC
// connection to one fixed queue, it holds the endpoint registry, selector
// and session tracker, and publishes to whichever endpoint's queue is
// chosen, annotating every outgoing envelope with the serialized
// cluster-health view.
type Dispatcher struct {
	registry  *Registry
	selector  *Selector
	sessions  *SessionTracker
	requester *wire.Requester
	cfg       DispatchConfig
}

func NewDispatcher(registry *Registry, selector *Selector, sessions *SessionTracker, requester *wire.Requester, cfg DispatchConfig) *Dispatcher {
	return &Dispatcher{registry: registry, selector: selector, sessions: sessions, requester: requester, cfg: cfg}
}

// Call is the single choke point every client-facing operation (connect,
// executeUpdate, executeQuery, fetchNextRows, LOB streaming, transaction
// and XA calls, callResource, terminateSession) routes through.
//
// sid is the request's bound SessionID, or "" for session-establishing
// calls (connect). txInfo/isXA are attached to the outgoing envelope
// verbatim; they do not affect routing beyond implying stickiness (a
// non-empty sid already implies that).
func (d *Dispatcher) Call(ctx context.Context, sid SessionID, reqType wire.RequestType, txInfo *wire.TransactionInfo, isXA bool, payload interface{}) (*wire.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "marshal payload: %v", err)
	}

	sticky := sid != ""
	ep, err := d.route(sid, sticky)
	if err != nil {
		return nil, err
	}

	attempts := 0
	for {
		env := wire.Envelope{
			Type:          reqType,
			SessionUUID:   string(sid),
			ConnHash:      d.cfg.ConnHash,
			ClientUUID:    d.cfg.ClientUUID,
			Transaction:   txInfo,
			IsXA:          isXA,
			TargetServer:  ep.String(),
			ClusterHealth: wire.FormatClusterHealth(d.registry.HealthView()),
			Payload:       body,
		}

		resp, callErr := d.requester.Call(ctx, ep.String(), env)
		attempts++

		var classifyErr error
		if callErr != nil {
			classifyErr = callErr
		} else if resp.Err != nil {
			classifyErr = resp.Err
		}

		if classifyErr == nil {
			if resp.SessionUUID != "" {
				d.sessions.Register(SessionID(resp.SessionUUID), ep)
			}
			return resp, nil
		}

		if wire.IsConnectionLevel(classifyErr) {
			d.registry.MarkUnhealthy(ep, classifyErr)
			if sticky {
				return nil, classifyErr
			}
			if d.cfg.RetryAttempts >= 0 && attempts > d.cfg.RetryAttempts {
				return nil, classifyErr
			}

			delay := d.cfg.InitialDelay * time.Duration(1<<uint(attempts-1))
			if d.cfg.MaxDelay > 0 && delay > d.cfg.MaxDelay {
				delay = d.cfg.MaxDelay
			}
			log.Debugf("client: retrying after %v on %v (attempt %d)", classifyErr, ep, attempts+1)

			select {
			case <-ctx.Done():
				return nil, wire.NewError(wire.KindDeadline, "retry budget interrupted by deadline: %v", ctx.Err())
			case <-time.After(delay):
			}

			next, pickErr := d.selector.Pick(d.registry.HealthySet(), d.sessions.CountByEndpoint())
			if pickErr != nil {
				return nil, pickErr
			}
			ep = next
			continue
		}

		// Database-class (and any other non-connection-level kind):
		// propagate unchanged, endpoint stays healthy.
		return resp, classifyErr
	}
}

// route resolves sid to its bound endpoint when sticky, otherwise asks the
// selector to pick among the currently healthy endpoints.
func (d *Dispatcher) route(sid SessionID, sticky bool) (Endpoint, error) {
	if sticky {
		ep, ok := d.sessions.Lookup(sid)
		if !ok {
			return Endpoint{}, wire.NewError(wire.KindSessionInvalidated, "no endpoint bound for session %s", sid)
		}
		if !d.registry.IsHealthy(ep) {
			return Endpoint{}, wire.NewError(wire.KindSessionServerUnavailable, "session %s bound to unhealthy endpoint %s", sid, ep)
		}
		return ep, nil
	}
	return d.selector.Pick(d.registry.HealthySet(), d.sessions.CountByEndpoint())
}
