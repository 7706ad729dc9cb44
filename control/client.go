package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"

	devruntime "github.com/plugwork/dev-runtime"
	"github.com/plugwork/dev-runtime/errors"
)

// NotifyHandler receives host pushes. It runs on the client's reader
// goroutine and must return promptly.
type NotifyHandler func(method string, params json.RawMessage)

// ClientOptions tunes a Client. A nil *ClientOptions is valid.
type ClientOptions struct {
	// OnNotify, if set, is called for every notification frame.
	OnNotify NotifyHandler
}

func (o *ClientOptions) onNotify() NotifyHandler {
	if o == nil {
		return nil
	}
	return o.OnNotify
}

// Client speaks the control protocol over one connection. Calls from any
// number of goroutines are multiplexed by id.
type Client struct {
	conn   net.Conn
	tasks  *taskgroup.Group
	notify NotifyHandler

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *envelope
	err     error // reader exit cause; nil while running
}

// NewClient starts a client on conn. The client owns the connection and
// closes it on Close.
func NewClient(conn net.Conn, opts *ClientOptions) *Client {
	c := &Client{
		conn:    conn,
		notify:  opts.onNotify(),
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan *envelope),
	}
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		c.readLoop()
		return nil
	})
	return c
}

// Dial connects to the listener described by spec (see Listen) and returns
// a client on the connection.
func Dial(spec string, opts *ClientOptions) (*Client, error) {
	network, addr, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseControl, "dial spec "+spec+" has no network prefix")
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts), nil
}

// Pipe connects a client directly to host through an in-process pipe, for
// UIs embedded in the same binary. The server side is torn down when the
// client closes or ctx ends.
func Pipe(ctx context.Context, host *Host, opts *ClientOptions) *Client {
	server, client := net.Pipe()
	go serveConn(ctx, server, host)
	return NewClient(client, opts)
}

// Close tears the connection down and unblocks pending calls.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.tasks.Wait()
	return err
}

func (c *Client) readLoop() {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // a frame we cannot read is not worth killing the link
		}
		if env.Method != "" && len(env.ID) == 0 {
			if c.notify != nil {
				c.notify(env.Method, env.Params)
			}
			continue
		}
		c.deliver(&env)
	}

	err := sc.Err()
	if err == nil {
		err = net.ErrClosed
	}
	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) deliver(env *envelope) {
	var id uint64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- env // buffered, never blocks
	}
}

// Call performs one request and decodes its result into result when
// result is non-nil. Protocol failures come back as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = raw
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	env := &envelope{
		Version: Version,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
		Params:  rawParams,
	}
	c.wmu.Lock()
	err := c.enc.Encode(env)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, nil, nil)
}

// GetParameter returns the current value of the parameter with id.
func (c *Client) GetParameter(ctx context.Context, id string) (float64, error) {
	var out ParameterValue
	if err := c.Call(ctx, MethodGetParameter, GetParameterParams{ID: id}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// SetParameter sets the parameter with id to value.
func (c *Client) SetParameter(ctx context.Context, id string, value float64) error {
	return c.Call(ctx, MethodSetParameter, SetParameterParams{ID: id, Value: value}, nil)
}

// GetAllParameters returns every parameter's descriptor and current value.
func (c *Client) GetAllParameters(ctx context.Context) ([]ParameterState, error) {
	var out AllParametersResult
	if err := c.Call(ctx, MethodGetAllParameters, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Parameters, nil
}

// GetStats returns the host's processing counters.
func (c *Client) GetStats(ctx context.Context) (devruntime.Stats, error) {
	var out devruntime.Stats
	if err := c.Call(ctx, MethodGetStats, struct{}{}, &out); err != nil {
		return devruntime.Stats{}, err
	}
	return out, nil
}
