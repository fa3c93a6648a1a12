package api

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/go-task-mesh/task-mesh/internal/statestore"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

// SubmitTaskRequest is the gRPC request for submitting a task directly
// into the pool, bypassing Kafka ingest for low-latency callers.
type SubmitTaskRequest struct {
	SkillID uint32 `json:"skill_id"`
	Payload []byte `json:"payload"`
}

// SubmitTaskResponse acknowledges a submitted task.
type SubmitTaskResponse struct {
	TaskID uint32 `json:"task_id"`
}

// TaskStatusRequest looks up a single task's last known outcome.
type TaskStatusRequest struct {
	TaskID uint32 `json:"task_id"`
}

// GRPCTaskStatusResponse mirrors statestore.TaskOutcome over the wire.
type GRPCTaskStatusResponse struct {
	TaskID      uint32  `json:"task_id"`
	SkillID     uint32  `json:"skill_id"`
	SessionID   uint32  `json:"session_id"`
	Succeeded   bool    `json:"succeeded"`
	RoundtripMS float64 `json:"roundtrip_ms"`
	Error       string  `json:"error,omitempty"`
}

// SessionStatusRequest looks up one session's live stats.
type SessionStatusRequest struct {
	SessionID uint32 `json:"session_id"`
}

// GRPCSessionStatusResponse mirrors statestore.SessionSnapshot over the wire.
type GRPCSessionStatusResponse struct {
	SessionID      uint32  `json:"session_id"`
	State          string  `json:"state"`
	TasksSent      uint64  `json:"tasks_sent"`
	TasksCompleted uint64  `json:"tasks_completed"`
	TasksFailed    uint64  `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// TaskMeshServer is the gRPC-facing counterpart of REST: direct task
// submission and status lookups for task and session state. Streaming
// methods are intentionally not offered here — every status value is a
// point-in-time snapshot already available from statestore, and a
// polling client is sufficient for the task-mesh domain.
type TaskMeshServer interface {
	SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error)
	GetTaskStatus(ctx context.Context, req *TaskStatusRequest) (*GRPCTaskStatusResponse, error)
	GetSessionStatus(ctx context.Context, req *SessionStatusRequest) (*GRPCSessionStatusResponse, error)
}

type grpcServer struct {
	pool  taskSink
	store statestore.Store
	mgr   sessionLookup
	ids   *TaskIDAllocator
}

// taskSink is the subset of pool.Pool the gRPC server needs.
type taskSink interface {
	AddTask(t wire.Task)
}

// sessionLookup is the subset of session.Manager the gRPC server needs.
type sessionLookup interface {
	ActiveSessionCount() int
}

// NewGRPCServer constructs the gRPC-facing service implementation. ids
// must be the same allocator given to the REST handler so API-submitted
// task IDs never collide between the two surfaces.
func NewGRPCServer(pool taskSink, store statestore.Store, mgr sessionLookup, ids *TaskIDAllocator) TaskMeshServer {
	return &grpcServer{pool: pool, store: store, mgr: mgr, ids: ids}
}

func (s *grpcServer) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	if req.SkillID == 0 {
		return nil, status.Error(codes.InvalidArgument, "skill_id is required")
	}
	taskID := s.ids.Next()
	s.pool.AddTask(wire.Task{TaskID: taskID, SkillID: req.SkillID, Payload: req.Payload})
	telemetry.APITasksSubmitted.WithLabelValues("grpc").Inc()
	return &SubmitTaskResponse{TaskID: taskID}, nil
}

func (s *grpcServer) GetTaskStatus(ctx context.Context, req *TaskStatusRequest) (*GRPCTaskStatusResponse, error) {
	outcome, err := s.store.GetTaskOutcome(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "task not found")
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &GRPCTaskStatusResponse{
		TaskID:      outcome.TaskID,
		SkillID:     outcome.SkillID,
		SessionID:   outcome.SessionID,
		Succeeded:   outcome.Succeeded,
		RoundtripMS: outcome.RoundtripMS,
		Error:       outcome.Error,
	}, nil
}

func (s *grpcServer) GetSessionStatus(ctx context.Context, req *SessionStatusRequest) (*GRPCSessionStatusResponse, error) {
	snap, err := s.store.GetSessionSnapshot(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "session not found")
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &GRPCSessionStatusResponse{
		SessionID:      snap.SessionID,
		State:          snap.State,
		TasksSent:      snap.TasksSent,
		TasksCompleted: snap.TasksCompleted,
		TasksFailed:    snap.TasksFailed,
		SuccessRate:    snap.SuccessRate,
	}, nil
}

func submitTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskMeshServer).SubmitTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/SubmitTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskMeshServer).SubmitTask(ctx, req.(*SubmitTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getTaskStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TaskStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskMeshServer).GetTaskStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/GetTaskStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskMeshServer).GetTaskStatus(ctx, req.(*TaskStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSessionStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SessionStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskMeshServer).GetSessionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/GetSessionStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskMeshServer).GetSessionStatus(ctx, req.(*SessionStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

const serviceName = "taskmesh.v1.TaskMesh"

// serviceDesc describes the TaskMesh service by hand, in place of a
// protoc-generated _grpc.pb.go file. Combined with the codec in
// codec.go, it lets TaskMeshServer run over a real grpc.Server without
// any generated protobuf types.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TaskMeshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTask", Handler: submitTaskHandler},
		{MethodName: "GetTaskStatus", Handler: getTaskStatusHandler},
		{MethodName: "GetSessionStatus", Handler: getSessionStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/api/grpc.go",
}

// RegisterTaskMeshServer registers srv on s under the hand-written
// service descriptor.
func RegisterTaskMeshServer(s *grpc.Server, srv TaskMeshServer) {
	s.RegisterService(&serviceDesc, srv)
}
