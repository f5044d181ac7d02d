package rpcserver

import (
	"bufio"
	"context"
	"log"
	"net"
	"time"

	"github.com/imn-project/imn/dbos/store"
)

// DefaultRequestTimeout bounds how long a single RPC handler may run
// before the server aborts the write, matching §4.3's "service MUST abort
// writes that outlive their context."
const DefaultRequestTimeout = 30 * time.Second

// Server exposes a dbos/store.Store over the length-prefixed msgpack
// protocol. One goroutine per connection, one goroutine-free dispatch per
// request (requests on a connection are handled sequentially, matching the
// teacher's one-goroutine-per-connection HTTP handler shape).
type Server struct {
	store          *store.Store
	requestTimeout time.Duration
	listener       net.Listener
}

// NewServer wraps st for RPC serving.
func NewServer(st *store.Store) *Server {
	return &Server{store: st, requestTimeout: DefaultRequestTimeout}
}

// Serve accepts connections on addr and blocks until ctx is cancelled or
// the listener errors.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("dbos rpcserver listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		env, err := readFrame(r)
		if err != nil {
			return // connection closed or corrupt frame; drop it
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		reply := s.dispatch(reqCtx, env)
		cancel()

		if err := writeFrame(conn, reply); err != nil {
			log.Printf("rpcserver: write reply for %s: %v", env.Method, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Envelope) *Envelope {
	reply := &Envelope{RequestID: req.RequestID, Method: req.Method}

	result, err := s.call(ctx, req)
	if err != nil {
		reply.ErrKind = classify(err)
		reply.ErrMsg = err.Error()
		return reply
	}
	if result != nil {
		raw, encErr := encodeParams(result)
		if encErr != nil {
			reply.ErrKind = ErrKindInternal
			reply.ErrMsg = encErr.Error()
			return reply
		}
		reply.Result = raw
	}
	return reply
}

func (s *Server) call(ctx context.Context, req *Envelope) (interface{}, error) {
	switch req.Method {
	case MethodRegisterAgent:
		var a store.Agent
		if err := decodeInto(req.Params, &a); err != nil {
			return nil, err
		}
		if err := s.store.RegisterAgent(ctx, &a); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodGetAgent:
		var p getAgentParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		return s.store.GetAgent(ctx, p.AgentID)

	case MethodListAgents:
		agents, err := s.store.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		return listAgentsResult{Agents: agents}, nil

	case MethodSetModuleState:
		var ms store.ModuleState
		if err := decodeInto(req.Params, &ms); err != nil {
			return nil, err
		}
		if err := s.store.SetModuleState(ctx, &ms); err != nil {
			return nil, err
		}
		return &ms, nil

	case MethodSetModuleStateWithVersion:
		var p setModuleStateWithVersionParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.store.SetModuleStateWithVersion(ctx, p.State, p.Expected); err != nil {
			return nil, err
		}
		return p.State, nil

	case MethodGetModuleState:
		var p getModuleStateParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		return s.store.GetModuleState(ctx, p.RequestID)

	case MethodListModuleStates:
		var p listModuleStatesParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		states, err := s.store.ListModuleStates(ctx, p.AgentID, p.Module)
		if err != nil {
			return nil, err
		}
		return listModuleStatesResult{States: states}, nil

	case MethodStoreResult:
		var r store.MeasurementResult
		if err := decodeInto(req.Params, &r); err != nil {
			return nil, err
		}
		if err := s.store.StoreResult(ctx, &r); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodGetResult:
		var p getResultParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		return s.store.GetResult(ctx, p.AgentID, p.RequestID)

	case MethodListResults:
		var p listResultsParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		results, err := s.store.ListResults(ctx, p.AgentID)
		if err != nil {
			return nil, err
		}
		return listResultsResult{Results: results}, nil

	case MethodDeleteResult:
		var p deleteResultParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.store.DeleteResult(ctx, p.AgentID, p.RequestID); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodScheduleTask:
		var t store.Task
		if err := decodeInto(req.Params, &t); err != nil {
			return nil, err
		}
		if err := s.store.ScheduleTask(ctx, &t); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodGetTask:
		var p getTaskParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		return s.store.GetTask(ctx, p.TaskID)

	case MethodListDueTasks:
		var p listDueTasksParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		visibility := time.Duration(p.VisibilitySeconds) * time.Second
		tasks, err := s.store.ClaimDueTasks(ctx, time.Unix(p.NowUnix, 0), visibility)
		if err != nil {
			return nil, err
		}
		return listDueTasksResult{Tasks: tasks}, nil

	case MethodAckTask:
		var p ackTaskParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.store.AckTask(ctx, p.TaskID); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodNackTask:
		var p nackTaskParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		delay := time.Duration(p.RetryDelaySeconds) * time.Second
		if err := s.store.NackTask(ctx, p.TaskID, delay); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	case MethodGetEvents:
		var p getEventsParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		events, err := s.store.GetEvents(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return getEventsResult{Events: events}, nil

	case MethodLogEvent:
		var p logEventParams
		if err := decodeInto(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.store.LogEvent(ctx, p.Event); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil

	default:
		return nil, errUnknownMethod(req.Method)
	}
}
