package client

import (
	"context"
	"encoding/json"

	"github.com/openjproxy/ojp/internal/wire"
)

// CallResource invokes the generic reflection facade against a previously
// registered server-side resource — the escape hatch for the long tail of
// upstream-driver surface area that doesn't have a first-class wire
// operation (e.g. ResultSetMetaData.isAutoIncrement(i)). next chains one
// follow-up call onto the result.
func (c *Conn) CallResource(ctx context.Context, kind wire.ResourceKind, resourceID, callName string, params []interface{}, next *wire.CallResourceRequest) (*wire.CallResourceResponse, error) {
	req := wire.CallResourceRequest{
		ResourceKind: kind,
		ResourceID:   resourceID,
		CallName:     callName,
		Params:       params,
		NextCall:     next,
	}
	resp, err := c.dispatcher.Call(ctx, c.sessionID, wire.ReqCallResource, nil, c.isXA, req)
	if err != nil {
		return nil, err
	}
	var out wire.CallResourceResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, wire.NewError(wire.KindConfiguration, "decode callResource response: %v", err)
	}
	return &out, nil
}
