package hostabi

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// Sandbox wraps a wasmer engine and compiles/instantiates guest modules
// against a Host. The engine/store/module/instance wiring and the
// "env"-namespaced ImportObject are grounded on core/virtual_machine.go's
// HeavyVM.Execute/registerHost; every host_* function there took raw
// memory offsets, as these do, but dispatched to an opcode interpreter's
// key/value store rather than a typed call table.
type Sandbox struct {
	engine *wasmer.Engine
}

func NewSandbox() *Sandbox {
	return &Sandbox{engine: wasmer.NewEngine()}
}

// hostCtx bundles what every registered host function needs: the guest's
// linear memory (bound after instantiation) and the Host it dispatches to.
type hostCtx struct {
	mem  *wasmer.Memory
	host Host
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) { copy(h.mem.Data()[ptr:], data) }

// resultEnvelope is the tagged ok/err buffer every host call writes back,
// per spec.md §4.6 ("the host never unwinds into the guest").
type resultEnvelope struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *errEnvelope    `json:"err,omitempty"`
}

type errEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func encodeResult(v any, err error) []byte {
	if err != nil {
		kind := string(cerr.InternalFailure)
		var ce *cerr.Error
		if errors.As(err, &ce) {
			kind = string(ce.Kind)
		}
		b, _ := json.Marshal(resultEnvelope{Err: &errEnvelope{Kind: kind, Message: err.Error()}})
		return b
	}
	if v == nil {
		b, _ := json.Marshal(resultEnvelope{Ok: json.RawMessage("null")})
		return b
	}
	raw, mErr := json.Marshal(v)
	if mErr != nil {
		b, _ := json.Marshal(resultEnvelope{Err: &errEnvelope{Kind: string(cerr.SerializationFailed), Message: mErr.Error()}})
		return b
	}
	b, _ := json.Marshal(resultEnvelope{Ok: raw})
	return b
}

// dispatch is one call table entry's logic: decode args, invoke Host,
// encode the tagged result. Kept separate from the wasmer wiring, so it
// needs no wasm module to run; hostabi_test.go calls the Runtime's Host
// methods directly rather than through this table.
type dispatch func(h Host, args []byte) []byte

func decodeErr(err error) []byte {
	return encodeResult(nil, cerr.Wrap(err, cerr.SerializationFailed, "hostabi: decode argument buffer"))
}

var callTable = map[string]dispatch{
	"init_globals": func(h Host, _ []byte) []byte {
		res, err := h.InitGlobals()
		return encodeResult(res, err)
	},
	"commit_entry": func(h Host, args []byte) []byte {
		var entry cas.Entry
		if err := json.Unmarshal(args, &entry); err != nil {
			return decodeErr(err)
		}
		addr, err := h.CommitEntry(entry)
		return encodeResult(addr, err)
	},
	"get_entry": func(h Host, args []byte) []byte {
		var req struct {
			Address address.Address `json:"address"`
			Options GetEntryOptions `json:"options"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		res, err := h.GetEntry(req.Address, req.Options)
		return encodeResult(res, err)
	},
	"entry_address": func(h Host, args []byte) []byte {
		var entry cas.Entry
		if err := json.Unmarshal(args, &entry); err != nil {
			return decodeErr(err)
		}
		addr, err := h.EntryAddress(entry)
		return encodeResult(addr, err)
	},
	"update_entry": func(h Host, args []byte) []byte {
		var req struct {
			NewEntry    cas.Entry       `json:"new_entry"`
			Predecessor address.Address `json:"predecessor_address"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		addr, err := h.UpdateEntry(req.NewEntry, req.Predecessor)
		return encodeResult(addr, err)
	},
	"remove_entry": func(h Host, args []byte) []byte {
		var addr address.Address
		if err := json.Unmarshal(args, &addr); err != nil {
			return decodeErr(err)
		}
		out, err := h.RemoveEntry(addr)
		return encodeResult(out, err)
	},
	"link_entries": func(h Host, args []byte) []byte {
		var req struct {
			Base   address.Address `json:"base"`
			Target address.Address `json:"target"`
			Type   string          `json:"type"`
			Tag    string          `json:"tag"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		addr, err := h.LinkEntries(req.Base, req.Target, req.Type, req.Tag)
		return encodeResult(addr, err)
	},
	"remove_link": func(h Host, args []byte) []byte {
		var req struct {
			Base   address.Address `json:"base"`
			Target address.Address `json:"target"`
			Type   string          `json:"type"`
			Tag    string          `json:"tag"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		err := h.RemoveLink(req.Base, req.Target, req.Type, req.Tag)
		return encodeResult(struct{}{}, err)
	},
	"get_links": func(h Host, args []byte) []byte {
		var req struct {
			Base        address.Address `json:"base"`
			TypeMatcher Matcher         `json:"type_matcher"`
			TagMatcher  Matcher         `json:"tag_matcher"`
			Options     GetLinksOptions `json:"options"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		res, err := h.GetLinks(req.Base, req.TypeMatcher, req.TagMatcher, req.Options)
		return encodeResult(res, err)
	},
	"query": func(h Host, args []byte) []byte {
		var req struct {
			TypePatterns []string     `json:"type_patterns"`
			Options      QueryOptions `json:"options"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		res, err := h.Query(req.TypePatterns, req.Options)
		return encodeResult(res, err)
	},
	"send": func(h Host, args []byte) []byte {
		var req struct {
			ToAgent   address.Address `json:"to_agent"`
			Payload   []byte          `json:"payload"`
			TimeoutMs int64           `json:"timeout_ms"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		reply, err := h.Send(req.ToAgent, req.Payload, timeoutFromMillis(req.TimeoutMs))
		return encodeResult(reply, err)
	},
	"call": func(h Host, args []byte) []byte {
		var req struct {
			InstanceHandle string          `json:"instance_handle"`
			Zome           string          `json:"zome"`
			CapToken       address.Address `json:"cap_token"`
			FnName         string          `json:"fn_name"`
			Args           []byte          `json:"args"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		out, err := h.Call(req.InstanceHandle, req.Zome, req.CapToken, req.FnName, req.Args)
		return encodeResult(out, err)
	},
	"sign": func(h Host, args []byte) []byte {
		var payload []byte
		if err := json.Unmarshal(args, &payload); err != nil {
			return decodeErr(err)
		}
		sig, err := h.Sign(payload)
		return encodeResult(sig, err)
	},
	"verify_signature": func(h Host, args []byte) []byte {
		var req struct {
			Provenance address.Address `json:"provenance"`
			Payload    []byte          `json:"payload"`
			Signature  string          `json:"signature"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		ok, err := h.VerifySignature(req.Provenance, req.Payload, req.Signature)
		return encodeResult(ok, err)
	},
	"keystore_sign": func(h Host, args []byte) []byte {
		var req struct {
			ID      string `json:"id"`
			Payload []byte `json:"payload"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		sig, err := h.KeystoreSign(req.ID, req.Payload)
		return encodeResult(sig, err)
	},
	"keystore_get_keybundle": func(h Host, args []byte) []byte {
		var req struct {
			Prefix string `json:"prefix"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return decodeErr(err)
		}
		bundle, err := h.KeystoreGetKeybundle(req.Prefix)
		return encodeResult(bundle, err)
	},
	"commit_capability_grant": func(h Host, args []byte) []byte {
		var grant cas.CapGrantPayload
		if err := json.Unmarshal(args, &grant); err != nil {
			return decodeErr(err)
		}
		addr, err := h.CommitCapabilityGrant(grant)
		return encodeResult(addr, err)
	},
	"commit_capability_claim": func(h Host, args []byte) []byte {
		var claim cas.CapClaimPayload
		if err := json.Unmarshal(args, &claim); err != nil {
			return decodeErr(err)
		}
		addr, err := h.CommitCapabilityClaim(claim)
		return encodeResult(addr, err)
	},
	"debug": func(h Host, args []byte) []byte {
		var msg string
		if err := json.Unmarshal(args, &msg); err != nil {
			return decodeErr(err)
		}
		return encodeResult(struct{}{}, h.Debug(msg))
	},
	"sleep": func(h Host, args []byte) []byte {
		var ms int64
		if err := json.Unmarshal(args, &ms); err != nil {
			return decodeErr(err)
		}
		return encodeResult(struct{}{}, h.Sleep(time.Duration(ms)*time.Millisecond))
	},
}

// registerHost builds the "env"-namespaced ImportObject exposing the full
// call table, mirroring registerHost in core/virtual_machine.go: each
// export takes (argPtr, argLen, outPtr) and returns the number of bytes
// written at outPtr (the guest is responsible for a scratch buffer large
// enough for the result envelope).
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	externs := make(map[string]wasmer.IntoExtern, len(callTable))
	for name, fn := range callTable {
		name, fn := name, fn
		externs["host_"+name] = wasmer.NewFunction(
			store,
			wasmer.NewFunctionType(
				wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
				wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				argPtr, argLen, outPtr := args[0].I32(), args[1].I32(), args[2].I32()
				reqBytes := h.read(argPtr, argLen)
				respBytes := fn(h.host, reqBytes)
				h.write(outPtr, respBytes)
				return []wasmer.Value{wasmer.NewI32(int32(len(respBytes)))}, nil
			},
		)
	}
	imports.Register("env", externs)
	return imports
}

// Run instantiates code against host and calls its "_start" export, the
// same entrypoint convention HeavyVM.Execute uses.
func (s *Sandbox) Run(code []byte, host Host) error {
	store := wasmer.NewStore(s.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return cerr.Wrap(err, cerr.ValidationFailed, "hostabi: compile guest module")
	}

	hctx := &hostCtx{host: host}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return cerr.Wrap(err, cerr.ValidationFailed, "hostabi: instantiate guest module")
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return cerr.New(cerr.ValidationFailed, "hostabi: guest module exports no memory")
	}
	hctx.mem = mem

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return cerr.New(cerr.ValidationFailed, "hostabi: guest module exports no _start")
	}
	if _, err := start(); err != nil {
		return cerr.Wrap(err, cerr.InternalFailure, "hostabi: guest execution trapped")
	}
	return nil
}
