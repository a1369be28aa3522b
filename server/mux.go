package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/openjproxy/ojp/internal/wire"
)

// rowsPerBlockServer mirrors the client's rowsPerBlock chunking constant;
// executeQuery and fetchNextRows both cap a single reply at this many rows.
const rowsPerBlockServer = 500

// Mux is the wire request/response dispatch switch: one case per
// RequestType in internal/wire, routed against a ProxyNode's components.
// It mirrors the single handleMessage/respond switch pattern of an
// AMQP RPC server, generalized from a handful of request kinds to the full
// wire surface.
type Mux struct {
	node      *ProxyNode
	responder *wire.Responder
}

func NewMux(node *ProxyNode, responder *wire.Responder) *Mux {
	return &Mux{node: node, responder: responder}
}

// HandleDelivery decodes one AMQP delivery, dispatches it, and publishes
// the reply — the unit of work a worker goroutine runs per message.
func (m *Mux) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	env, err := wire.DecodeRequest(d)
	if err != nil {
		log.Warnf("server: decode request: %v", err)
		return
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if env.DeadlineUnix > 0 {
		callCtx, cancel = context.WithDeadline(ctx, time.UnixMilli(env.DeadlineUnix))
		defer cancel()
	}

	resp := m.dispatch(callCtx, env)
	if err := m.responder.Reply(d.ReplyTo, d.CorrelationId, resp); err != nil {
		log.Warnf("server: reply to %s: %v", d.ReplyTo, err)
	}
}

func (m *Mux) dispatch(ctx context.Context, env wire.Envelope) wire.Response {
	if env.ClusterHealth != "" {
		m.node.Topology.Observe(wire.ParseClusterHealth(env.ClusterHealth))
	}

	resp := wire.Response{TargetServer: env.TargetServer}

	payload, err := m.route(ctx, env)
	if err != nil {
		resp.Err = toWireError(err)
		return resp
	}
	resp.Final = true
	if payload != nil {
		body, merr := json.Marshal(payload)
		if merr != nil {
			resp.Err = wire.NewError(wire.KindConfiguration, "marshal response payload: %v", merr)
			return resp
		}
		resp.Payload = body
	}
	resp.SessionUUID = sessionUUIDOf(payload)
	return resp
}

// sessionUUIDOf pulls the session id back out of a typed payload so
// dispatch can set Response.SessionUUID without every case doing it by
// hand.
func sessionUUIDOf(payload interface{}) string {
	switch v := payload.(type) {
	case *wire.SessionInfo:
		return v.SessionUUID
	case *wire.SessionTerminationStatus:
		return v.SessionUUID
	default:
		return ""
	}
}

func toWireError(err error) *wire.WireError {
	if we, ok := err.(*wire.WireError); ok {
		return we
	}
	return wire.NewError(wire.KindDatabase, "%v", err)
}

func (m *Mux) route(ctx context.Context, env wire.Envelope) (interface{}, error) {
	switch env.Type {
	case wire.ReqProbe:
		return struct{}{}, nil

	case wire.ReqConnect:
		return m.handleConnect(ctx, env)

	case wire.ReqExecuteUpdate:
		return m.handleExecuteUpdate(ctx, env)

	case wire.ReqExecuteQuery:
		return m.handleExecuteQuery(ctx, env)

	case wire.ReqFetchNextRows:
		return m.handleFetchNextRows(ctx, env)

	case wire.ReqCreateLob:
		return m.handleCreateLob(ctx, env)

	case wire.ReqReadLob:
		return m.handleReadLob(ctx, env)

	case wire.ReqStartTransaction:
		return m.handleStartTransaction(ctx, env)
	case wire.ReqCommitTransaction:
		return m.handleEndTransaction(ctx, env, "COMMIT")
	case wire.ReqRollbackTransaction:
		return m.handleEndTransaction(ctx, env, "ROLLBACK")

	case wire.ReqXAStart, wire.ReqXAEnd, wire.ReqXAPrepare, wire.ReqXACommit,
		wire.ReqXARollback, wire.ReqXARecover, wire.ReqXAForget,
		wire.ReqXASetTransactionTime, wire.ReqXAGetTransactionTime, wire.ReqXAIsSameRM:
		return m.handleXA(ctx, env)

	case wire.ReqCallResource:
		return m.handleCallResource(ctx, env)

	case wire.ReqTerminateSession:
		return m.handleTerminateSession(env)

	default:
		return nil, wire.NewError(wire.KindConfiguration, "unsupported request type %q", env.Type)
	}
}

func (m *Mux) handleConnect(ctx context.Context, env wire.Envelope) (*wire.SessionInfo, error) {
	var details wire.ConnectionDetails
	if err := json.Unmarshal(env.Payload, &details); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode connect payload: %v", err)
	}

	b, err := m.node.Backend(env.ConnHash, details.UpstreamDS)
	if err != nil {
		return nil, err
	}

	var session *ClientSession
	if details.WantsXA {
		xaSess, err := b.xaPool.Borrow(ctx)
		if err != nil {
			return nil, err
		}
		session = m.node.Sessions.CreateXA(env.ConnHash, xaSess)
	} else {
		pooled, err := b.pool.Borrow(ctx)
		if err != nil {
			return nil, err
		}
		session = m.node.Sessions.Create(env.ConnHash, pooled)
	}

	return &wire.SessionInfo{
		SessionUUID: session.ID,
		IsXA:        details.WantsXA,
	}, nil
}

func (m *Mux) resolveSession(env wire.Envelope) (*ClientSession, *backend, error) {
	session, err := m.node.Sessions.Resolve(env.SessionUUID)
	if err != nil {
		return nil, nil, err
	}
	b, err := m.node.Backend(session.ConnHash, "")
	if err != nil {
		return nil, nil, err
	}
	return session, b, nil
}

// sessionConn returns the *sql.Conn a session's ordinary SQL operations
// execute against, whether it is an ordinary pooled session or a
// pre-bound XA session.
func sessionConn(s *ClientSession) *sql.Conn {
	if s.IsXA {
		return s.xaSession.Underlying
	}
	return s.conn.Underlying
}

func (m *Mux) handleExecuteUpdate(ctx context.Context, env wire.Envelope) (*wire.OpResult, error) {
	var req wire.ExecRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode executeUpdate payload: %v", err)
	}
	session, b, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	session.touch()

	fingerprint := statementFingerprint(req.Query)
	release, err := m.guardSlot(ctx, b, fingerprint, req.Query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, execErr := sessionConn(session).ExecContext(ctx, req.Query, req.Params...)
	m.recordOutcome(b, fingerprint, execErr)
	release(time.Since(start))
	if execErr != nil {
		return nil, wire.NewError(wire.KindDatabase, "%v", execErr)
	}

	rowsAffected, _ := result.RowsAffected()
	lastInsertID, _ := result.LastInsertId()
	return &wire.OpResult{Kind: wire.OpResultUpdate, RowsAffected: rowsAffected, LastInsertID: lastInsertID}, nil
}

func (m *Mux) handleExecuteQuery(ctx context.Context, env wire.Envelope) (*wire.OpResult, error) {
	var req wire.ExecRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode executeQuery payload: %v", err)
	}
	session, b, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	session.touch()

	fingerprint := statementFingerprint(req.Query)
	release, err := m.guardSlot(ctx, b, fingerprint, req.Query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, queryErr := sessionConn(session).QueryContext(ctx, req.Query, req.Params...)
	m.recordOutcome(b, fingerprint, queryErr)
	if queryErr != nil {
		release(time.Since(start))
		return nil, wire.NewError(wire.KindDatabase, "%v", queryErr)
	}

	result, err := drainRows(rows, rowsPerBlockServer)
	release(time.Since(start))
	if err != nil {
		rows.Close()
		return nil, wire.NewError(wire.KindDatabase, "%v", err)
	}
	if result.CursorID == cursorMore {
		id := session.RegisterResource(wire.ResourceResultSet, rows)
		result.CursorID = id
	} else {
		rows.Close()
	}
	return result, nil
}

func (m *Mux) handleFetchNextRows(ctx context.Context, env wire.Envelope) (*wire.OpResult, error) {
	var req wire.FetchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode fetchNextRows payload: %v", err)
	}
	session, _, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	session.touch()

	res, ok := session.Resource(req.CursorID)
	if !ok {
		return nil, wire.NewError(wire.KindConfiguration, "unknown cursor %s", req.CursorID)
	}
	rows, ok := res.Value.(*sql.Rows)
	if !ok {
		return nil, wire.NewError(wire.KindConfiguration, "resource %s is not a cursor", req.CursorID)
	}

	batch := req.BatchSize
	if batch <= 0 {
		batch = rowsPerBlockServer
	}
	result, err := drainRows(rows, batch)
	if err != nil {
		rows.Close()
		return nil, wire.NewError(wire.KindDatabase, "%v", err)
	}
	if result.CursorID == cursorMore {
		result.CursorID = req.CursorID
	} else {
		rows.Close()
	}
	return result, nil
}

// cursorMore is a sentinel drainRows sets on OpResult.CursorID to signal
// "more rows remain"; callers substitute the real resource id or clear it.
const cursorMore = "\x00more"

func drainRows(rows *sql.Rows, limit int) (*wire.OpResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &wire.OpResult{Kind: wire.OpResultRows, Columns: cols}
	count := 0
	for count < limit && rows.Next() {
		dest := make([]interface{}, len(cols))
		for i := range dest {
			dest[i] = new(interface{})
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]interface{}, len(cols))
		for i, d := range dest {
			row[i] = convertDatabaseValue(*(d.(*interface{})))
		}
		result.Rows = append(result.Rows, row)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == limit {
		result.CursorID = cursorMore
	}
	return result, nil
}

// convertDatabaseValue converts a scanned column value to a
// JSON-serializable representation. The mysql driver hands back []byte for
// most column types including DECIMAL and BIGINT UNSIGNED; stringifying
// rather than coercing to a Go numeric type keeps precision intact across
// the JSON round-trip.
func convertDatabaseValue(val interface{}) interface{} {
	if val == nil {
		return nil
	}
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

func (m *Mux) handleCreateLob(ctx context.Context, env wire.Envelope) (*wire.LobReference, error) {
	var block wire.LobDataBlock
	if err := json.Unmarshal(env.Payload, &block); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode createLob payload: %v", err)
	}
	session, _, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	session.touch()

	var handle *LobHandle
	if block.LobID == "" {
		handle = NewLobHandle(block.LobType)
		m.node.Lobs.Put(handle)
		session.RegisterResource(wire.ResourceLOB, handle)
	} else {
		h, ok := m.node.Lobs.Get(block.LobID)
		if !ok {
			return nil, wire.NewError(wire.KindConfiguration, "unknown lob %s", block.LobID)
		}
		handle = h
	}

	total, err := handle.AppendAt(block.Position, block.Bytes)
	if err != nil {
		return nil, err
	}
	return &wire.LobReference{LobID: handle.ID, TotalBytes: total}, nil
}

func (m *Mux) handleReadLob(ctx context.Context, env wire.Envelope) (*wire.LobDataBlock, error) {
	var req wire.ReadLobRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode readLob payload: %v", err)
	}
	if _, _, err := m.resolveSession(env); err != nil {
		return nil, err
	}

	handle, ok := m.node.Lobs.Get(req.LobID)
	if !ok {
		return nil, wire.NewError(wire.KindConfiguration, "unknown lob %s", req.LobID)
	}
	data := handle.ReadAt(req.Position, req.Length)
	return &wire.LobDataBlock{LobID: req.LobID, Position: req.Position, Bytes: data, LobType: handle.LobType}, nil
}

func (m *Mux) handleStartTransaction(ctx context.Context, env wire.Envelope) (*wire.SessionInfo, error) {
	session, _, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	if _, err := sessionConn(session).ExecContext(ctx, "START TRANSACTION"); err != nil {
		return nil, wire.NewError(wire.KindDatabase, "%v", err)
	}
	session.mu.Lock()
	session.txActive = true
	session.mu.Unlock()
	return &wire.SessionInfo{SessionUUID: session.ID, IsXA: session.IsXA}, nil
}

func (m *Mux) handleEndTransaction(ctx context.Context, env wire.Envelope, sql string) (*wire.SessionInfo, error) {
	session, _, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	if _, err := sessionConn(session).ExecContext(ctx, sql); err != nil {
		return nil, wire.NewError(wire.KindDatabase, "%v", err)
	}
	session.mu.Lock()
	session.txActive = false
	session.mu.Unlock()
	return &wire.SessionInfo{SessionUUID: session.ID, IsXA: session.IsXA}, nil
}

func (m *Mux) handleXA(ctx context.Context, env wire.Envelope) (interface{}, error) {
	b, err := m.node.Backend(env.ConnHash, "")
	if err != nil {
		return nil, err
	}
	var req wire.XARequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode xa payload: %v", err)
	}

	switch env.Type {
	case wire.ReqXAStart:
		if err := b.xaReg.Start(ctx, req.Xid, req.Flags); err != nil {
			return nil, err
		}
		return &wire.XAResponse{}, nil
	case wire.ReqXAEnd:
		if err := b.xaReg.End(ctx, req.Xid, req.Flags); err != nil {
			return nil, err
		}
		return &wire.XAResponse{}, nil
	case wire.ReqXAPrepare:
		rc, err := b.xaReg.Prepare(ctx, req.Xid)
		if err != nil {
			return nil, err
		}
		return &wire.XAResponse{ReturnCode: rc}, nil
	case wire.ReqXACommit:
		if err := b.xaReg.Commit(ctx, req.Xid, req.OnePhase); err != nil {
			return nil, err
		}
		return &wire.XAResponse{}, nil
	case wire.ReqXARollback:
		if err := b.xaReg.Rollback(ctx, req.Xid); err != nil {
			return nil, err
		}
		return &wire.XAResponse{}, nil
	case wire.ReqXAForget:
		if err := b.xaReg.Forget(req.Xid); err != nil {
			return nil, err
		}
		return &wire.XAResponse{}, nil
	case wire.ReqXARecover:
		return &wire.XARecoverResponse{Xids: b.xaReg.Recover()}, nil
	case wire.ReqXASetTransactionTime:
		b.xaReg.SetTransactionTimeout(req.Xid, time.Duration(req.TimeoutSec)*time.Second)
		return &wire.XAResponse{}, nil
	case wire.ReqXAGetTransactionTime:
		d := b.xaReg.GetTransactionTimeout(req.Xid)
		return &wire.XAResponse{TimeoutSec: int32(d.Seconds())}, nil
	case wire.ReqXAIsSameRM:
		// Every Xid routed to this connHash shares the same backend, so
		// any two resource manager handles against it are always "same".
		return &wire.XAResponse{SameRM: true}, nil
	default:
		return nil, wire.NewError(wire.KindConfiguration, "unsupported xa request %q", env.Type)
	}
}

func (m *Mux) handleCallResource(ctx context.Context, env wire.Envelope) (*wire.CallResourceResponse, error) {
	var req wire.CallResourceRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode callResource payload: %v", err)
	}
	session, _, err := m.resolveSession(env)
	if err != nil {
		return nil, err
	}
	session.touch()
	return m.node.Resources.Invoke(session, req)
}

func (m *Mux) handleTerminateSession(env wire.Envelope) (*wire.SessionTerminationStatus, error) {
	alreadyDone, err := m.node.Sessions.Terminate(env.SessionUUID)
	if err != nil {
		return nil, err
	}
	return &wire.SessionTerminationStatus{SessionUUID: env.SessionUUID, AlreadyDone: alreadyDone}, nil
}

// guardSlot runs the statement through the circuit breaker and the
// slow-query slot book before allowing execution.
func (m *Mux) guardSlot(ctx context.Context, b *backend, fingerprint, query string) (release func(time.Duration), err error) {
	if err := b.breaker.PreCheck(fingerprint); err != nil {
		return nil, err
	}
	return b.slots.Acquire(ctx, query)
}

func (m *Mux) recordOutcome(b *backend, fingerprint string, err error) {
	if err != nil {
		b.breaker.RecordFailure(fingerprint)
		return
	}
	b.breaker.RecordSuccess(fingerprint)
}
