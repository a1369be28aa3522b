package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/openjproxy/ojp/internal/wire"
)

// ResourceFacade dispatches CallResourceRequest against a session's
// registered resources by reflection: call operation X on resource Y by
// id, with up to one chained follow-up call. This is the long-tail escape
// hatch for upstream-driver surface area that has no first-class wire
// operation.
type ResourceFacade struct{}

func NewResourceFacade() *ResourceFacade { return &ResourceFacade{} }

// Invoke resolves req.ResourceID within session, calls req.CallName on its
// underlying value, registers any new resource the call produces, and
// recurses into req.NextCall against that new resource if present.
func (f *ResourceFacade) Invoke(session *ClientSession, req wire.CallResourceRequest) (*wire.CallResourceResponse, error) {
	res, ok := session.Resource(req.ResourceID)
	if !ok {
		return nil, wire.NewError(wire.KindConfiguration, "unknown resource %s", req.ResourceID)
	}
	if res.Kind != req.ResourceKind {
		return nil, wire.NewError(wire.KindConfiguration, "resource %s is kind %s, not %s", req.ResourceID, res.Kind, req.ResourceKind)
	}

	out, newKind, newValue, err := f.call(res.Value, req.CallName, req.Params)
	if err != nil {
		return nil, wire.NewError(wire.KindDatabase, "callResource %s.%s: %v", req.ResourceKind, req.CallName, err)
	}

	resp := &wire.CallResourceResponse{Value: out}
	if newValue != nil {
		id := session.RegisterResource(newKind, newValue)
		resp.NewResourceKind = newKind
		resp.NewResourceID = id
	}

	if req.NextCall != nil {
		if resp.NewResourceID == "" {
			return nil, wire.NewError(wire.KindConfiguration, "nextCall chained onto a call that produced no resource")
		}
		next := *req.NextCall
		next.ResourceID = resp.NewResourceID
		next.ResourceKind = resp.NewResourceKind
		return f.Invoke(session, next)
	}
	return resp, nil
}

// call invokes methodName on target via reflection, converting params to
// the method's declared parameter types. If the call's results include a
// value recognized as a new resource (*sql.Rows or *LobHandle), that value
// is returned separately so the caller can register it. Any other value,
// a savepoint name included, is returned inline and not registered.
func (f *ResourceFacade) call(target interface{}, methodName string, params []interface{}) (value interface{}, newKind wire.ResourceKind, newResource interface{}, err error) {
	v := reflect.ValueOf(target)
	method := v.MethodByName(methodName)
	if !method.IsValid() {
		return nil, "", nil, fmt.Errorf("no method %q on %T", methodName, target)
	}

	methodType := method.Type()
	if methodType.NumIn() != len(params) {
		return nil, "", nil, fmt.Errorf("%s expects %d parameters, got %d", methodName, methodType.NumIn(), len(params))
	}

	args := make([]reflect.Value, len(params))
	for i, p := range params {
		converted, cerr := convertToType(p, methodType.In(i))
		if cerr != nil {
			return nil, "", nil, fmt.Errorf("parameter %d: %w", i, cerr)
		}
		args[i] = converted
	}

	results := method.Call(args)
	return splitResults(results)
}

// splitResults separates a trailing error return (by convention the last
// return value, if it implements error) from the rest, and recognizes any
// single remaining result that is itself a new server-side resource.
func splitResults(results []reflect.Value) (value interface{}, newKind wire.ResourceKind, newResource interface{}, err error) {
	if len(results) == 0 {
		return nil, "", nil, nil
	}

	last := results[len(results)-1]
	if last.Type().Implements(errType) {
		if !last.IsNil() {
			return nil, "", nil, last.Interface().(error)
		}
		results = results[:len(results)-1]
	}

	var out []interface{}
	for _, r := range results {
		iv := r.Interface()
		if kind, isResource := resourceKindOf(iv); isResource {
			return nil, kind, iv, nil
		}
		out = append(out, iv)
	}

	switch len(out) {
	case 0:
		return nil, "", nil, nil
	case 1:
		return out[0], "", nil, nil
	default:
		return out, "", nil, nil
	}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// resourceKindOf reports whether v is a value that deserves registration
// as a new session-owned resource rather than being returned inline.
func resourceKindOf(v interface{}) (wire.ResourceKind, bool) {
	switch v.(type) {
	case *sql.Rows:
		return wire.ResourceResultSet, true
	case *LobHandle:
		return wire.ResourceLOB, true
	}
	return "", false
}

// convertToType converts a JSON-decoded value to targetType, mirroring the
// conversions database/sql itself needs at its driver boundary: string,
// numeric, bool, slice and struct (via JSON round-trip) targets.
func convertToType(value interface{}, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}

	valueType := reflect.TypeOf(value)
	if valueType.AssignableTo(targetType) {
		return reflect.ValueOf(value), nil
	}

	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(fmt.Sprintf("%v", value)), nil

	case reflect.Int, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case float64:
			return reflect.ValueOf(v).Convert(targetType), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(f).Convert(targetType), nil
		}

	case reflect.Bool:
		if b, ok := value.(bool); ok {
			return reflect.ValueOf(b), nil
		}

	case reflect.Slice:
		if valueType.Kind() == reflect.Slice {
			src := reflect.ValueOf(value)
			dst := reflect.MakeSlice(targetType, src.Len(), src.Len())
			for i := 0; i < src.Len(); i++ {
				converted, err := convertToType(src.Index(i).Interface(), targetType.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				dst.Index(i).Set(converted)
			}
			return dst, nil
		}

	case reflect.Struct:
		if jsonData, err := json.Marshal(value); err == nil {
			dst := reflect.New(targetType)
			if json.Unmarshal(jsonData, dst.Interface()) == nil {
				return dst.Elem(), nil
			}
		}
	}

	return reflect.Value{}, fmt.Errorf("cannot convert %T to %v", value, targetType)
}
