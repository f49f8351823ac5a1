package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/log"
	"github.com/obtura/deployd/pkg/metrics"
	"github.com/obtura/deployd/pkg/types"
)

const (
	// Exchange carries deploy triggers and terminal events
	Exchange = "obtura.deploys"

	// RoutingKey is the binding for inbound deploy jobs
	RoutingKey = "deploy.triggered"

	// CompletedKey is where terminal deployment events are published
	CompletedKey = "deploy.completed"

	// QueueName is the durable work queue bound to the exchange
	QueueName = "deployd.jobs"

	// maxRedeliveries bounds how often a transiently failed delivery
	// cycles back through the queue before it is dropped
	maxRedeliveries = 3

	redialDelay = 5 * time.Second
)

// Deployer runs one deployment job. *orchestrator.Orchestrator
// satisfies it.
type Deployer interface {
	Deploy(ctx context.Context, job types.Job) error
}

// Store is the slice of the SQL store the consumer needs
type Store interface {
	MarkDeploying(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, status types.DeploymentStatus, errMsg string) error
}

// Consumer subscribes to the deploy exchange and feeds jobs to the
// orchestrator one at a time.
type Consumer struct {
	url        string
	store      Store
	deployer   Deployer
	jobTimeout time.Duration
	logger     zerolog.Logger
}

// New builds a consumer. jobTimeout bounds one deployment end to end.
func New(url string, st Store, d Deployer, jobTimeout time.Duration) *Consumer {
	return &Consumer{
		url:        url,
		store:      st,
		deployer:   d,
		jobTimeout: jobTimeout,
		logger:     log.WithComponent("consumer"),
	}
}

// Run consumes until the context ends, redialing the bus whenever the
// connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Dur("retry_in", redialDelay).Msg("bus connection lost")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialDelay):
		}
	}
}

// consume holds one connection: declare the topology, then handle
// deliveries until the channel closes or the context ends.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	queue, err := ch.QueueDeclare(QueueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue.Name, RoutingKey, Exchange, false, nil); err != nil {
		return err
	}

	// One deployment per worker at a time
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}

	// A unique tag makes this worker identifiable in the broker's
	// consumer listing.
	tag := "deployd-" + uuid.NewString()
	deliveries, err := ch.Consume(queue.Name, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.logger.Info().Str("queue", queue.Name).Str("exchange", Exchange).Str("consumer_tag", tag).Msg("consuming deploy jobs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			c.handle(ctx, ch, d)
		}
	}
}

// handle runs one delivery to a terminal acknowledgement. Deployment
// failures are durable results and are ACKed; only infrastructure
// failures before the pipeline starts cycle back through the queue.
func (c *Consumer) handle(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	job, err := parseEnvelope(d.Body)
	if err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed job")
		c.nack(d, false)
		metrics.JobsConsumed.WithLabelValues("dropped").Inc()
		return
	}

	logger := c.logger.With().
		Str("deployment_id", job.DeploymentID).
		Str("project_id", job.ProjectID).
		Logger()
	logger.Info().Str("image", job.ImageTag).Msg("job received")

	jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	if err := c.store.MarkDeploying(jobCtx, job.DeploymentID); err != nil {
		// The pipeline has not started; this is safe to retry
		logger.Error().Err(err).Msg("failed to mark deployment deploying")
		c.requeueOrDrop(d)
		return
	}

	start := time.Now()
	deployErr := c.deployer.Deploy(jobCtx, job)
	elapsed := time.Since(start)

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finishCancel()

	if deployErr != nil {
		logger.Error().Err(deployErr).Dur("elapsed", elapsed).Msg("deployment failed")
		if err := c.store.MarkCompleted(finishCtx, job.DeploymentID, types.DeploymentFailed, deployErr.Error()); err != nil {
			logger.Warn().Err(err).Msg("failed to finalize deployment row")
		}
		c.publishCompleted(finishCtx, ch, job, types.DeploymentFailed, elapsed, deployErr)
	} else {
		logger.Info().Dur("elapsed", elapsed).Msg("deployment succeeded")
		if err := c.store.MarkCompleted(finishCtx, job.DeploymentID, types.DeploymentActive, ""); err != nil {
			logger.Warn().Err(err).Msg("failed to finalize deployment row")
		}
		c.publishCompleted(finishCtx, ch, job, types.DeploymentActive, elapsed, nil)
	}

	// Either way the outcome is durable; the message has been consumed
	if err := d.Ack(false); err != nil {
		logger.Warn().Err(err).Msg("failed to ack delivery")
	}
	metrics.JobsConsumed.WithLabelValues("acked").Inc()
}

// requeueOrDrop applies the retry policy: re-queue until the dead-letter
// headers attest the delivery has cycled maxRedeliveries times.
func (c *Consumer) requeueOrDrop(d amqp.Delivery) {
	if deathCount(d.Headers) >= maxRedeliveries {
		c.logger.Warn().Int64("redeliveries", deathCount(d.Headers)).Msg("dropping job after max redeliveries")
		c.nack(d, false)
		metrics.JobsConsumed.WithLabelValues("dropped").Inc()
		return
	}
	c.nack(d, true)
	metrics.JobsConsumed.WithLabelValues("requeued").Inc()
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Warn().Err(err).Msg("failed to nack delivery")
	}
}

// deathCount reads how many times this delivery has been dead-lettered
func deathCount(headers amqp.Table) int64 {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return 0
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0
	}
	count, ok := first["count"].(int64)
	if !ok {
		return 0
	}
	return count
}

// completedEvent is the terminal notification other services consume
type completedEvent struct {
	DeploymentID string  `json:"deploymentId"`
	Status       string  `json:"status"`
	Phase        string  `json:"phase"`
	Duration     float64 `json:"duration"`
	Error        string  `json:"error,omitempty"`
}

func (c *Consumer) publishCompleted(ctx context.Context, ch *amqp.Channel, job types.Job, status types.DeploymentStatus, elapsed time.Duration, cause error) {
	ev := completedEvent{
		DeploymentID: job.DeploymentID,
		Status:       string(status),
		Phase:        string(types.PhaseCompleted),
		Duration:     elapsed.Seconds(),
	}
	if cause != nil {
		ev.Phase = string(types.PhaseFailed)
		ev.Error = cause.Error()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to encode completion event")
		return
	}
	err = ch.PublishWithContext(ctx, Exchange, CompletedKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("deployment_id", job.DeploymentID).Msg("failed to publish completion event")
	}
}
