package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ============================================================================
// beaverqueue.v1.JobService
// ============================================================================

// ServiceName is the fully qualified gRPC service name
const ServiceName = "beaverqueue.v1.JobService"

const (
	methodSubmitJob    = "/" + ServiceName + "/SubmitJob"
	methodGetJobStatus = "/" + ServiceName + "/GetJobStatus"
	methodCancelJob    = "/" + ServiceName + "/CancelJob"
	methodListJobs     = "/" + ServiceName + "/ListJobs"
	methodGetStats     = "/" + ServiceName + "/GetStats"
)

// Messages

type SubmitJobRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type GetJobStatusRequest struct {
	JobID string `json:"jobId"`
}

type GetJobStatusResponse struct {
	Job types.JobView `json:"job"`
}

type CancelJobRequest struct {
	JobID string `json:"jobId"`
}

type CancelJobResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type ListJobsRequest struct{}

type ListJobsResponse struct {
	Jobs []types.JobView `json:"jobs"`
}

type GetStatsRequest struct{}

type GetStatsResponse struct {
	Stats map[string]int `json:"stats"`
}

// JobServiceServer is the server side of beaverqueue.v1.JobService
type JobServiceServer interface {
	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error)
	GetJobStatus(context.Context, *GetJobStatusRequest) (*GetJobStatusResponse, error)
	CancelJob(context.Context, *CancelJobRequest) (*CancelJobResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
}

// RegisterJobServiceServer registers srv on s
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&jobServiceDesc, srv)
}

// unaryHandler decodes a *Req and routes it through the interceptor chain
// to call.
func unaryHandler[Req any, Resp any](fullMethod string, call func(JobServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var jobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitJob",
			Handler:    unaryHandler(methodSubmitJob, JobServiceServer.SubmitJob),
		},
		{
			MethodName: "GetJobStatus",
			Handler:    unaryHandler(methodGetJobStatus, JobServiceServer.GetJobStatus),
		},
		{
			MethodName: "CancelJob",
			Handler:    unaryHandler(methodCancelJob, JobServiceServer.CancelJob),
		},
		{
			MethodName: "ListJobs",
			Handler:    unaryHandler(methodListJobs, JobServiceServer.ListJobs),
		},
		{
			MethodName: "GetStats",
			Handler:    unaryHandler(methodGetStats, JobServiceServer.GetStats),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaverqueue/v1/job_service",
}
