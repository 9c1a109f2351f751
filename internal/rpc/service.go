// Package rpc exposes the intercept call surface over Connect unary RPCs.
//
// Messages are plain Go structs carried by a JSON codec, so any HTTP client
// can POST to /memlift.v1.SurfaceService/<Method> with
// Content-Type: application/json.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/zboralski/memlift/internal/intercept"
	glog "github.com/zboralski/memlift/internal/log"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
)

// Procedure paths.
const (
	ServiceName   = "memlift.v1.SurfaceService"
	CallProcedure = "/" + ServiceName + "/Call"
	MapsProcedure = "/" + ServiceName + "/Maps"
	ReadProcedure = "/" + ServiceName + "/Read"

	// SessionHeader carries the server session ID on every response.
	SessionHeader = "Memlift-Session"

	// MaxRead bounds a single Read.
	MaxRead = 1 << 20
)

// CallRequest invokes a named routine. Symbols runs parallel to Args; a
// non-empty name passes that argument as a symbolic value.
type CallRequest struct {
	Name    string   `json:"name"`
	Args    []uint64 `json:"args,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

func (r *CallRequest) call() intercept.Call {
	c := intercept.Call{Name: r.Name, Args: r.Args}
	for i, name := range r.Symbols {
		if name == "" {
			continue
		}
		if c.Syms == nil {
			c.Syms = make([]memory.Symbol, len(r.Symbols))
		}
		c.Syms[i] = memory.NamedSymbol(name)
	}
	return c
}

// CallResponse is an intercept.Result on the wire.
type CallResponse struct {
	Outcome string `json:"outcome"`
	Value   uint64 `json:"value"`
	Symbol  string `json:"symbol,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MapsRequest lists mapped ranges.
type MapsRequest struct{}

// Range is a mapped range on the wire.
type Range struct {
	Base  uint64 `json:"base"`
	Limit uint64 `json:"limit"`
	Perm  string `json:"perm"`
	Name  string `json:"name"`
}

// MapsResponse lists ranges in address order.
type MapsResponse struct {
	Ranges []Range `json:"ranges"`
}

// ReadRequest reads raw bytes, ignoring permissions.
type ReadRequest struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// ReadResponse carries the bytes read.
type ReadResponse struct {
	Data []byte `json:"data"`
}

// jsonCodec marshals plain structs under the "json" codec name, replacing
// Connect's protobuf-only JSON codec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Service serves one environment. Calls are serialized.
type Service struct {
	mu      sync.Mutex
	env     *intercept.Env
	reg     *intercept.Registry
	session string
	log     *glog.Logger
}

// NewService serves env through reg (the default registry when nil).
func NewService(env *intercept.Env, reg *intercept.Registry) *Service {
	if reg == nil {
		reg = intercept.DefaultRegistry
	}
	return &Service{
		env:     env,
		reg:     reg,
		session: uuid.NewString(),
		log:     glog.Get().WithComponent("rpc"),
	}
}

// Session returns the ID sent in SessionHeader.
func (s *Service) Session() string { return s.session }

func (s *Service) Call(ctx context.Context, req *connect.Request[CallRequest]) (*connect.Response[CallResponse], error) {
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	if len(req.Msg.Symbols) > len(req.Msg.Args) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("more symbols than args"))
	}
	s.mu.Lock()
	res := s.reg.Dispatch(s.env, req.Msg.call())
	s.mu.Unlock()

	out := &CallResponse{Outcome: res.Outcome.String(), Value: res.Value}
	if res.Sym != nil {
		out.Symbol = res.Sym.Name()
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return connect.NewResponse(out), nil
}

func (s *Service) Maps(ctx context.Context, req *connect.Request[MapsRequest]) (*connect.Response[MapsResponse], error) {
	ranges := s.env.Space.Ranges()
	out := &MapsResponse{Ranges: make([]Range, len(ranges))}
	for i, r := range ranges {
		out.Ranges[i] = Range{Base: r.Base, Limit: r.Limit, Perm: r.Perm.String(), Name: r.Name}
	}
	return connect.NewResponse(out), nil
}

func (s *Service) Read(ctx context.Context, req *connect.Request[ReadRequest]) (*connect.Response[ReadResponse], error) {
	if req.Msg.Size == 0 || req.Msg.Size > MaxRead {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("size 0x%x out of range", req.Msg.Size))
	}
	data, err := s.env.Space.Peek(req.Msg.Addr, req.Msg.Size)
	if err != nil {
		if errors.Is(err, memory.ErrNotMapped) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ReadResponse{Data: data}), nil
}

// interceptor stamps the session header and logs each procedure.
func (s *Service) interceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := next(ctx, req)
			proc := req.Spec().Procedure
			if err != nil {
				s.log.Debug("rpc failed", zap.String("proc", proc), zap.Error(err))
				return nil, err
			}
			resp.Header().Set(SessionHeader, s.session)
			s.log.Debug("rpc", zap.String("proc", proc))
			return resp, nil
		}
	}
}

// Handler returns an http.Handler routing the three procedures.
func (s *Service) Handler() http.Handler {
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(s.interceptor()),
	}
	mux := http.NewServeMux()
	mux.Handle(CallProcedure, connect.NewUnaryHandler(CallProcedure, s.Call, opts...))
	mux.Handle(MapsProcedure, connect.NewUnaryHandler(MapsProcedure, s.Maps, opts...))
	mux.Handle(ReadProcedure, connect.NewUnaryHandler(ReadProcedure, s.Read, opts...))
	return mux
}
