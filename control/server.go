package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"github.com/plugwork/dev-runtime/errors"
)

// maxLine bounds one protocol line. Requests are tiny; this is only a
// guard against a client writing garbage forever.
const maxLine = 1 << 20

// Listen opens the listener described by spec: "unix:/path/to.sock" or
// "tcp:host:port". A stale unix socket file from a previous run is
// removed before binding.
func Listen(spec string) (net.Listener, error) {
	network, addr, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseControl, "listen spec "+spec+" has no network prefix")
	}
	switch network {
	case "unix":
		_ = os.Remove(addr)
		return net.Listen("unix", addr)
	case "tcp":
		return net.Listen("tcp", addr)
	}
	return nil, errors.InvalidInput(errors.PhaseControl, "unsupported listen network "+network)
}

// Serve accepts connections on lis and serves the protocol against host
// until ctx ends or the listener fails. Each connection gets a reader and
// a notifier goroutine; Serve returns after every connection has been torn
// down.
func Serve(ctx context.Context, lis net.Listener, host *Host) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		lis.Close()
	}()

	g := taskgroup.New(nil)
	for {
		conn, err := lis.Accept()
		if err != nil {
			g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		Logger().Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))
		g.Go(func() error {
			serveConn(ctx, conn, host)
			return nil
		})
	}
}

// serveConn runs one connection: a reader loop answering requests and a
// notifier forwarding host pushes. Responses and notifications share one
// write lock so frames never interleave.
func serveConn(ctx context.Context, conn net.Conn, host *Host) {
	sub := host.Subscribe()

	var wmu sync.Mutex
	enc := json.NewEncoder(conn) // Encode appends the newline delimiter
	write := func(env *envelope) error {
		wmu.Lock()
		defer wmu.Unlock()
		return enc.Encode(env)
	}

	readerDone := make(chan struct{})
	g := taskgroup.New(nil)
	g.Go(func() error {
		// Unblocks both loops when the server shuts down under them.
		select {
		case <-ctx.Done():
		case <-readerDone:
		}
		conn.Close()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-sub.C():
				if !ok {
					return nil
				}
				env := &envelope{Version: Version, Method: n.Method, Params: n.Params}
				if err := write(env); err != nil {
					return nil
				}
			}
		}
	})

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := dispatch(host, line)
		if resp == nil {
			continue
		}
		if err := write(resp); err != nil {
			break
		}
	}

	close(readerDone)
	sub.Close()
	g.Wait()
	Logger().Debug("client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

// dispatch handles one request line and returns the response frame, or
// nil when the line was a notification and gets no reply.
func dispatch(host *Host, line []byte) *envelope {
	var req envelope
	if err := json.Unmarshal(line, &req); err != nil {
		return errEnvelope(nil, &RPCError{Code: CodeParse, Message: "parse error: " + err.Error()})
	}
	if req.Version != Version {
		return errEnvelope(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"})
	}
	if req.Method == "" {
		return errEnvelope(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "request without method"})
	}

	result, rpcErr := call(host, req.Method, req.Params)
	if len(req.ID) == 0 {
		return nil
	}
	if rpcErr != nil {
		return errEnvelope(req.ID, rpcErr)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errEnvelope(req.ID, &RPCError{Code: CodeInternal, Message: "encode result: " + err.Error()})
	}
	return &envelope{Version: Version, ID: req.ID, Result: raw}
}

func call(host *Host, method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case MethodPing:
		return struct{}{}, nil

	case MethodGetParameter:
		var p GetParameterParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.ID == "" {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "missing parameter id"}
		}
		v, err := host.GetParameter(p.ID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return ParameterValue{ID: p.ID, Value: v}, nil

	case MethodSetParameter:
		var p SetParameterParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.ID == "" {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "missing parameter id"}
		}
		if err := host.SetParameter(p.ID, p.Value); err != nil {
			return nil, toRPCError(err)
		}
		return struct{}{}, nil

	case MethodGetAllParameters:
		return AllParametersResult{Parameters: host.AllParameters()}, nil

	case MethodGetStats:
		return host.Stats(), nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
}

func decodeParams(raw json.RawMessage, into any) *RPCError {
	if len(raw) == 0 {
		return &RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: "decode params: " + err.Error()}
	}
	return nil
}

func errEnvelope(id json.RawMessage, rpcErr *RPCError) *envelope {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &envelope{Version: Version, ID: id, Error: rpcErr}
}
