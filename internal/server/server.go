// ============================================================================
// Beaver-Queue gRPC Server
// ============================================================================
//
// Package: internal/server
// Purpose: Expose the queue facade as beaverqueue.v1.JobService.
//
// The service is declared by hand (service.go) and spoken as JSON
// (codec.go), so no protoc step is needed. The standard grpc.health.v1
// service is registered on the same server.
//
// Error mapping:
//   ValidationError      → codes.InvalidArgument
//   ErrNotFound          → codes.NotFound
//   ErrConflict          → codes.FailedPrecondition
//   ErrNotRunning        → codes.Unavailable
//   anything else        → codes.Internal
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// Queue is the part of the controller the transports need
type Queue interface {
	Submit(jobType string, payload json.RawMessage, priority *int) (types.JobID, error)
	Status(id types.JobID) (types.JobView, error)
	Cancel(id types.JobID) error
	List() []types.JobView
	GetStats() map[string]int
}

var _ Queue = (*controller.Controller)(nil)

// Server implements JobServiceServer on top of a Queue
type Server struct {
	queue Queue
}

// NewServer creates a JobService backed by queue
func NewServer(queue Queue) *Server {
	return &Server{queue: queue}
}

// NewGRPCServer builds a grpc.Server carrying the JobService and the health
// service. The health status is SERVING until the caller shuts it down.
func NewGRPCServer(queue Queue, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)

	RegisterJobServiceServer(gs, NewServer(queue))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return gs, hs
}

// SubmitJob enqueues a job
func (s *Server) SubmitJob(ctx context.Context, req *SubmitJobRequest) (*SubmitJobResponse, error) {
	id, err := s.queue.Submit(req.Type, req.Payload, req.Priority)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitJobResponse{JobID: string(id), Status: string(types.StatusPending)}, nil
}

// GetJobStatus returns the view of one job
func (s *Server) GetJobStatus(ctx context.Context, req *GetJobStatusRequest) (*GetJobStatusResponse, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	view, err := s.queue.Status(types.JobID(req.JobID))
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetJobStatusResponse{Job: view}, nil
}

// CancelJob cancels a pending job
func (s *Server) CancelJob(ctx context.Context, req *CancelJobRequest) (*CancelJobResponse, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	if err := s.queue.Cancel(types.JobID(req.JobID)); err != nil {
		return nil, toStatus(err)
	}
	return &CancelJobResponse{JobID: req.JobID, Message: "Job cancelled"}, nil
}

// ListJobs returns every job in submission order
func (s *Server) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	return &ListJobsResponse{Jobs: s.queue.List()}, nil
}

// GetStats returns the per-status counters
func (s *Server) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	return &GetStatsResponse{Stats: s.queue.GetStats()}, nil
}

// toStatus maps a facade error onto a gRPC status
func toStatus(err error) error {
	var verr *controller.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, controller.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, controller.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log.Debug("grpc call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}
