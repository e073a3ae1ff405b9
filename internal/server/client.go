package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Client is a JobService client used by the CLI
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a JobService at addr without transport security.
// The connection is established lazily on the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(codecName))
}

// SubmitJob enqueues a job and returns its id
func (c *Client) SubmitJob(ctx context.Context, jobType string, payload json.RawMessage, priority *int) (*SubmitJobResponse, error) {
	out := new(SubmitJobResponse)
	in := &SubmitJobRequest{Type: jobType, Payload: payload, Priority: priority}
	if err := c.invoke(ctx, methodSubmitJob, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJobStatus fetches the view of one job
func (c *Client) GetJobStatus(ctx context.Context, id string) (types.JobView, error) {
	out := new(GetJobStatusResponse)
	if err := c.invoke(ctx, methodGetJobStatus, &GetJobStatusRequest{JobID: id}, out); err != nil {
		return types.JobView{}, err
	}
	return out.Job, nil
}

// CancelJob cancels a pending job
func (c *Client) CancelJob(ctx context.Context, id string) (*CancelJobResponse, error) {
	out := new(CancelJobResponse)
	if err := c.invoke(ctx, methodCancelJob, &CancelJobRequest{JobID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobs fetches every job
func (c *Client) ListJobs(ctx context.Context) ([]types.JobView, error) {
	out := new(ListJobsResponse)
	if err := c.invoke(ctx, methodListJobs, &ListJobsRequest{}, out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetStats fetches the per-status counters
func (c *Client) GetStats(ctx context.Context) (map[string]int, error) {
	out := new(GetStatsResponse)
	if err := c.invoke(ctx, methodGetStats, &GetStatsRequest{}, out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// Healthy reports whether the JobService answers SERVING
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
