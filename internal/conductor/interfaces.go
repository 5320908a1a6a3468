package conductor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// jsonRPCRequest/jsonRPCResponse are the wire envelopes of spec.md §6's
// "JSON-RPC 2.0 over each configured driver".
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func handleJSONRPC(c *Conductor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONRPC(w, jsonRPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: rpcParseError, Message: err.Error()}})
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeJSONRPC(w, jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: rpcInvalidRequest, Message: "malformed JSON-RPC 2.0 request"}})
			return
		}
		result, rpcErr := c.Dispatch(req.Method, req.Params)
		writeJSONRPC(w, jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	}
}

func writeJSONRPC(w http.ResponseWriter, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HTTPInterface serves spec.md §6's JSON-RPC methods over a plain HTTP
// listener, using chi as the router — the "http" driver kind.
type HTTPInterface struct {
	cfg    InterfaceConfig
	server *http.Server
	logger *logrus.Logger
}

// NewHTTPInterface builds the chi-routed HTTP driver for cfg. cfg.Driver.Kind
// must be DriverHTTP.
func NewHTTPInterface(c *Conductor, cfg InterfaceConfig, logger *logrus.Logger) *HTTPInterface {
	r := chi.NewRouter()
	r.Post("/rpc", handleJSONRPC(c))
	return &HTTPInterface{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{Addr: portAddr(cfg.Driver.Port), Handler: r},
	}
}

func (h *HTTPInterface) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.WithError(err).WithField("interface", h.cfg.ID).Error("conductor: http interface stopped")
		}
	}()
	return nil
}

func (h *HTTPInterface) Close(ctx context.Context) error { return h.server.Shutdown(ctx) }

// DomainSocketInterface serves the same JSON-RPC methods over a unix
// domain socket, routed with gorilla/mux — the "domainsocket" driver
// kind. A distinct router per driver kind keeps the two listeners'
// lifecycles (TCP vs. unix-socket file cleanup) independent.
type DomainSocketInterface struct {
	cfg      InterfaceConfig
	server   *http.Server
	listener net.Listener
	logger   *logrus.Logger
}

// NewDomainSocketInterface builds the mux-routed unix-socket driver for
// cfg. cfg.Driver.Kind must be DriverDomainSocket; cfg.Driver.File is
// the socket path.
func NewDomainSocketInterface(c *Conductor, cfg InterfaceConfig, logger *logrus.Logger) (*DomainSocketInterface, error) {
	_ = os.Remove(cfg.Driver.File)
	ln, err := net.Listen("unix", cfg.Driver.File)
	if err != nil {
		return nil, err
	}
	r := mux.NewRouter()
	r.HandleFunc("/rpc", handleJSONRPC(c)).Methods(http.MethodPost)
	return &DomainSocketInterface{
		cfg:      cfg,
		logger:   logger,
		listener: ln,
		server:   &http.Server{Handler: r},
	}, nil
}

func (d *DomainSocketInterface) Start() error {
	go func() {
		if err := d.server.Serve(d.listener); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).WithField("interface", d.cfg.ID).Error("conductor: domain socket interface stopped")
		}
	}()
	return nil
}

func (d *DomainSocketInterface) Close(ctx context.Context) error {
	err := d.server.Shutdown(ctx)
	_ = os.Remove(d.cfg.Driver.File)
	return err
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
