package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/ledgerfill/ledgerfill/pkg/retry"
	"github.com/ledgerfill/ledgerfill/pkg/utils"
)

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string
	HostPort  string

	// SweepQueue carries the steady-state sweep workflow and its activities.
	SweepQueue      string
	SweepScheduleID string

	logger *zap.Logger
}

type Health struct {
	ConnectionOK bool                      `json:"connection_ok"`
	SweepQueue   []*taskqueuepb.PollerInfo `json:"sweep_queue"`
}

// NewClient dials TEMPORAL_HOSTPORT in TEMPORAL_NAMESPACE, retrying until the frontend answers.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))

	var tClient client.Client
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "temporal_connection", func() error {
		c, err := Dial(connCtx, host, ns, NewZapAdapter(logger))
		if err != nil {
			return err
		}
		if _, err = c.CheckHealth(connCtx, nil); err != nil {
			c.Close()
			return err
		}
		tClient = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		TClient:         tClient,
		TSClient:        tClient.ScheduleClient(),
		Namespace:       ns,
		HostPort:        host,
		SweepQueue:      QueueSweep,
		SweepScheduleID: ScheduleSweep,
		logger:          logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// EnsureNamespace registers the namespace if it does not exist yet.
func (c *Client) EnsureNamespace(ctx context.Context, retention time.Duration) error {
	nsClient, err := client.NewNamespaceClient(client.Options{
		HostPort: c.HostPort,
		Logger:   NewZapAdapter(c.logger),
	})
	if err != nil {
		return fmt.Errorf("failed to create namespace client: %w", err)
	}
	defer nsClient.Close()

	if _, err = nsClient.Describe(ctx, c.Namespace); err == nil {
		return nil
	}
	var notFound *serviceerror.NamespaceNotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe namespace: %w", err)
	}

	c.logger.Info("Registering Temporal namespace", zap.String("namespace", c.Namespace))
	err = nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        c.Namespace,
		WorkflowExecutionRetentionPeriod: durationpb.New(retention),
	})
	var exists *serviceerror.NamespaceAlreadyExists
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("failed to register namespace: %w", err)
	}
	return nil
}

// EnsureSchedule creates the schedule unless one with the same ID exists. An existing schedule
// is left untouched so operators can pause or retune it.
func (c *Client) EnsureSchedule(ctx context.Context, opts client.ScheduleOptions) (created bool, err error) {
	h := c.TSClient.GetHandle(ctx, opts.ID)
	_, err = h.Describe(ctx)
	if err == nil {
		c.logger.Info("Schedule already exists", zap.String("id", opts.ID), zap.String("namespace", c.Namespace))
		return false, nil
	}
	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return false, fmt.Errorf("describe schedule %s: %w", opts.ID, err)
	}

	c.logger.Info("Creating schedule", zap.String("id", opts.ID), zap.String("namespace", c.Namespace))
	if _, err = c.TSClient.Create(ctx, opts); err != nil {
		if errors.Is(err, sdktemporal.ErrScheduleAlreadyRunning) {
			return false, nil
		}
		return false, fmt.Errorf("create schedule %s: %w", opts.ID, err)
	}
	return true, nil
}

// Health reports pollers on the sweep queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		return Health{}, err
	}
	h := Health{ConnectionOK: true}
	if svc := c.TClient.WorkflowService(); svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservice.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.SweepQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.SweepQueue = rep.GetPollers()
		}
	}
	return h, nil
}

// Close closes the underlying Temporal client connection.
func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}
