package rpcserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imn-project/imn/dbos/store"
)

// Client dials a rpcserver.Server and implements store.API over the wire,
// so coordinator code is identical whether DBOS_ADDRESS is set or not.
type Client struct {
	addr string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	// callMu holds one request/reply exchange at a time on the connection.
	callMu sync.Mutex
}

// NewClient returns a client that lazily dials addr on first use.
func NewClient(addr string) *Client {
	return &Client{addr: addr, dialTimeout: 5 * time.Second}
}

var _ store.API = (*Client)(nil)

func (c *Client) ensureConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransport, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call sends req and blocks for the matching reply. One request in flight
// per connection at a time: concurrent callers (many workflows share one
// Client) queue on callMu, so their frames never interleave.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.ensureConn(); err != nil {
		return err
	}

	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	req := &Envelope{RequestID: uuid.NewString(), Method: method, Params: raw}

	c.mu.Lock()
	conn := c.conn
	r := c.r
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, req); err != nil {
		c.dropConn()
		return fmt.Errorf("%w: %v", store.ErrTransport, err)
	}

	reply, err := readFrame(r)
	if err != nil {
		c.dropConn()
		return fmt.Errorf("%w: %v", store.ErrTransport, err)
	}

	if reply.ErrKind != "" {
		return toError(reply.ErrKind, reply.ErrMsg)
	}
	if out != nil {
		return decodeInto(reply.Result, out)
	}
	return nil
}

func (c *Client) RegisterAgent(ctx context.Context, a *store.Agent) error {
	return c.call(ctx, MethodRegisterAgent, a, nil)
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	var a store.Agent
	if err := c.call(ctx, MethodGetAgent, getAgentParams{AgentID: agentID}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	var res listAgentsResult
	if err := c.call(ctx, MethodListAgents, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Agents, nil
}

func (c *Client) SetModuleState(ctx context.Context, ms *store.ModuleState) error {
	return c.call(ctx, MethodSetModuleState, ms, ms)
}

func (c *Client) SetModuleStateWithVersion(ctx context.Context, ms *store.ModuleState, expected int64) error {
	return c.call(ctx, MethodSetModuleStateWithVersion, setModuleStateWithVersionParams{State: ms, Expected: expected}, ms)
}

func (c *Client) GetModuleState(ctx context.Context, requestID string) (*store.ModuleState, error) {
	var ms store.ModuleState
	if err := c.call(ctx, MethodGetModuleState, getModuleStateParams{RequestID: requestID}, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (c *Client) ListModuleStates(ctx context.Context, agentID, module string) ([]*store.ModuleState, error) {
	var res listModuleStatesResult
	if err := c.call(ctx, MethodListModuleStates, listModuleStatesParams{AgentID: agentID, Module: module}, &res); err != nil {
		return nil, err
	}
	return res.States, nil
}

func (c *Client) StoreResult(ctx context.Context, r *store.MeasurementResult) error {
	return c.call(ctx, MethodStoreResult, r, nil)
}

func (c *Client) GetResult(ctx context.Context, agentID, requestID string) (*store.MeasurementResult, error) {
	var r store.MeasurementResult
	if err := c.call(ctx, MethodGetResult, getResultParams{AgentID: agentID, RequestID: requestID}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) ListResults(ctx context.Context, agentID string) ([]*store.MeasurementResult, error) {
	var res listResultsResult
	if err := c.call(ctx, MethodListResults, listResultsParams{AgentID: agentID}, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

func (c *Client) DeleteResult(ctx context.Context, agentID, requestID string) error {
	return c.call(ctx, MethodDeleteResult, deleteResultParams{AgentID: agentID, RequestID: requestID}, nil)
}

func (c *Client) ScheduleTask(ctx context.Context, t *store.Task) error {
	return c.call(ctx, MethodScheduleTask, t, nil)
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	var t store.Task
	if err := c.call(ctx, MethodGetTask, getTaskParams{TaskID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ClaimDueTasks(ctx context.Context, now time.Time, visibility time.Duration) ([]*store.Task, error) {
	var res listDueTasksResult
	params := listDueTasksParams{NowUnix: now.Unix(), VisibilitySeconds: int64(visibility.Seconds())}
	if err := c.call(ctx, MethodListDueTasks, params, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

func (c *Client) AckTask(ctx context.Context, taskID string) error {
	return c.call(ctx, MethodAckTask, ackTaskParams{TaskID: taskID}, nil)
}

func (c *Client) NackTask(ctx context.Context, taskID string, retryDelay time.Duration) error {
	params := nackTaskParams{TaskID: taskID, RetryDelaySeconds: int64(retryDelay.Seconds())}
	return c.call(ctx, MethodNackTask, params, nil)
}

func (c *Client) GetEvents(ctx context.Context, limit int) ([]*store.EventLogEntry, error) {
	var res getEventsResult
	if err := c.call(ctx, MethodGetEvents, getEventsParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

func (c *Client) LogEvent(ctx context.Context, e *store.EventLogEntry) error {
	return c.call(ctx, MethodLogEvent, logEventParams{Event: e}, nil)
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.dropConn()
	return nil
}
