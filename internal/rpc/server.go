package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/zboralski/memlift/internal/intercept"
	"github.com/zboralski/memlift/internal/memory"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Serve listens on addr and serves s over HTTP/1.1 and cleartext HTTP/2
// until ctx is done.
func Serve(ctx context.Context, addr string, s *Service) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, s)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, s *Service) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	s.log.Info("serving", zap.String("addr", ln.Addr().String()), zap.String("session", s.session))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Client calls a remote Service.
type Client struct {
	call *connect.Client[CallRequest, CallResponse]
	maps *connect.Client[MapsRequest, MapsResponse]
	read *connect.Client[ReadRequest, ReadResponse]
}

// NewClient returns a client for the service at baseURL, e.g.
// "http://127.0.0.1:7788".
func NewClient(hc connect.HTTPClient, baseURL string) *Client {
	opt := connect.WithCodec(jsonCodec{})
	return &Client{
		call: connect.NewClient[CallRequest, CallResponse](hc, baseURL+CallProcedure, opt),
		maps: connect.NewClient[MapsRequest, MapsResponse](hc, baseURL+MapsProcedure, opt),
		read: connect.NewClient[ReadRequest, ReadResponse](hc, baseURL+ReadProcedure, opt),
	}
}

// Call invokes name remotely. The returned session is the server's ID.
func (c *Client) Call(ctx context.Context, name string, args ...uint64) (*CallResponse, string, error) {
	resp, err := c.call.CallUnary(ctx, connect.NewRequest(&CallRequest{Name: name, Args: args}))
	if err != nil {
		return nil, "", err
	}
	return resp.Msg, resp.Header().Get(SessionHeader), nil
}

// CallValues invokes name with arguments that may be symbolic.
func (c *Client) CallValues(ctx context.Context, name string, args ...memory.Value) (*CallResponse, error) {
	req := &CallRequest{Name: name, Args: make([]uint64, len(args))}
	for i, v := range args {
		req.Args[i] = v.Bits
		if v.IsSymbolic() {
			if req.Symbols == nil {
				req.Symbols = make([]string, len(args))
			}
			req.Symbols[i] = v.Sym.Name()
		}
	}
	resp, err := c.call.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Maps lists the remote ranges.
func (c *Client) Maps(ctx context.Context) ([]Range, error) {
	resp, err := c.maps.CallUnary(ctx, connect.NewRequest(&MapsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Ranges, nil
}

// Read reads size bytes at addr remotely.
func (c *Client) Read(ctx context.Context, addr, size uint64) ([]byte, error) {
	resp, err := c.read.CallUnary(ctx, connect.NewRequest(&ReadRequest{Addr: addr, Size: size}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Data, nil
}

// Result converts r back into an intercept.Result.
func (r *CallResponse) Result() intercept.Result {
	res := intercept.Result{Value: r.Value}
	switch r.Outcome {
	case intercept.DeferToHost.String():
		res.Outcome = intercept.DeferToHost
	case intercept.Abort.String():
		res.Outcome = intercept.Abort
	}
	if r.Symbol != "" {
		res.Sym = memory.NamedSymbol(r.Symbol)
	}
	if r.Error != "" {
		res.Err = errors.New(r.Error)
	}
	return res
}
