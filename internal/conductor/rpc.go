package conductor

import (
	"encoding/json"
	"strings"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// RPCError is a JSON-RPC 2.0 error object. Standard codes follow the
// spec; application codes (kindCodes below) come from spec.md §7's
// wire-stable error kinds.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// kindCodes maps spec.md §7's wire-stable error kinds onto the
// application error-code range JSON-RPC 2.0 reserves (-32000 to -32099).
var kindCodes = map[cerr.Kind]int{
	cerr.NotFound:              -32000,
	cerr.ValidationFailed:      -32001,
	cerr.CapabilityCheckFailed: -32002,
	cerr.Timeout:               -32003,
	cerr.RecursiveCallForbidden: -32004,
	cerr.SerializationFailed:   -32005,
	cerr.InstanceNotActiveYet:  -32006,
	cerr.InstanceAlreadyActive: -32007,
	cerr.InternalFailure:       -32008,
	cerr.ConfigError:           -32009,
}

func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var ce *cerr.Error
	if asConductorError(err, &ce) {
		code, ok := kindCodes[ce.Kind]
		if !ok {
			code = rpcInternalError
		}
		return &RPCError{Code: code, Message: ce.Message, Data: ce.Error()}
	}
	return &RPCError{Code: rpcInternalError, Message: err.Error()}
}

// asConductorError is errors.As inlined to avoid importing errors just
// for one call site; cerr.Error is always returned directly by this
// package's own calls, so a type assertion on the concrete type suffices
// for everything Dispatch produces. Errors from deeper layers (already
// wrapped in cerr.Error) are still unwrapped correctly since cerr.Wrap
// always returns *cerr.Error.
func asConductorError(err error, out **cerr.Error) bool {
	if ce, ok := err.(*cerr.Error); ok {
		*out = ce
		return true
	}
	return false
}

// installBundleParams is the params shape for "admin/install_bundle".
type installBundleParams struct {
	Path       string          `json:"path"`
	ID         string          `json:"id"`
	Copy       bool            `json:"copy"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type bridgeParams struct {
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	Handle   string `json:"handle,omitempty"`
}

// zomeCallParams is the params shape for "<instance_id>/<zome>/<function>".
type zomeCallParams struct {
	Token address.Address `json:"token,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// Dispatch routes one JSON-RPC 2.0 method call, per spec.md §6's public
// RPC table: the fixed admin/info methods, and the
// "<instance_id>/<zome>/<function>" pattern for calls into a running
// instance.
func (c *Conductor) Dispatch(method string, params json.RawMessage) (json.RawMessage, *RPCError) {
	switch method {
	case "info/instances":
		return marshalResult(c.Instances())
	case "admin/install_bundle":
		var p installBundleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
		if err := c.InstallBundle(p.Path, p.ID, p.Copy, p.Properties); err != nil {
			return nil, toRPCError(err)
		}
		return marshalResult(true)
	case "admin/uninstall_bundle":
		var p idParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
		if err := c.UninstallBundle(p.ID); err != nil {
			return nil, toRPCError(err)
		}
		return marshalResult(true)
	case "admin/add_instance":
		var p InstanceConfig
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
		if err := c.AddInstance(p); err != nil {
			return nil, toRPCError(err)
		}
		return marshalResult(true)
	case "admin/remove_instance":
		return c.dispatchIDOp(params, c.RemoveInstance)
	case "admin/start_instance":
		return c.dispatchIDOp(params, c.StartInstance)
	case "admin/stop_instance":
		return c.dispatchIDOp(params, c.StopInstance)
	case "admin/add_bridge":
		var p bridgeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
		if err := c.AddBridge(p.CallerID, p.CalleeID, p.Handle); err != nil {
			return nil, toRPCError(err)
		}
		return marshalResult(true)
	case "admin/remove_bridge":
		var p bridgeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
		if err := c.RemoveBridge(p.CallerID, p.CalleeID); err != nil {
			return nil, toRPCError(err)
		}
		return marshalResult(true)
	default:
		return c.dispatchZomeCall(method, params)
	}
}

func (c *Conductor) dispatchIDOp(params json.RawMessage, op func(string) error) (json.RawMessage, *RPCError) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
	}
	if err := op(p.ID); err != nil {
		return nil, toRPCError(err)
	}
	return marshalResult(true)
}

// dispatchZomeCall parses "<instance_id>/<zome>/<function>" and invokes
// it against the named instance's runtime, per spec.md §6.
func (c *Conductor) dispatchZomeCall(method string, params json.RawMessage) (json.RawMessage, *RPCError) {
	parts := strings.SplitN(method, "/", 3)
	if len(parts) != 3 {
		return nil, &RPCError{Code: rpcMethodNotFound, Message: "no such method " + method}
	}
	instanceID, zome, fn := parts[0], parts[1], parts[2]

	c.mu.RLock()
	rec, ok := c.instances[instanceID]
	c.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: rpcMethodNotFound, Message: "no such instance " + instanceID}
	}
	rec.mu.Lock()
	active := rec.active
	rec.mu.Unlock()
	if !active {
		return nil, toRPCError(cerr.New(cerr.InstanceNotActiveYet, "instance "+instanceID+" is not active"))
	}

	var p zomeCallParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: rpcInvalidParams, Message: err.Error()}
		}
	}

	result, err := rec.runtime.CallZomeFunction(zome, p.Token, fn, p.Args)
	if err != nil {
		return nil, toRPCError(err)
	}
	return json.RawMessage(result), nil
}

func marshalResult(v any) (json.RawMessage, *RPCError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &RPCError{Code: rpcInternalError, Message: err.Error()}
	}
	return raw, nil
}
