// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/notifier-go/config"
	"github.com/glimte/notifier-go/contracts"
	"github.com/glimte/notifier-go/health"
	"github.com/glimte/notifier-go/internal/metrics"
	"github.com/glimte/notifier-go/internal/rabbitmq"
	"github.com/glimte/notifier-go/internal/reliability"
	"github.com/glimte/notifier-go/messaging"
	"github.com/glimte/notifier-go/notification"
	rabbitmqTransport "github.com/glimte/notifier-go/transports/rabbitmq"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// Service consumes the notification queues, retries failed deliveries with
// exponential backoff and dead-letters them once the budget is spent.
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	topology   contracts.Topology
	transport  *rabbitmqTransport.Transport
	scheduler  *reliability.RetryScheduler
	subscriber *messaging.MessageSubscriber
	router     *messaging.Router
	collector  *metrics.Collector
	health     *health.Registry
	server     *metrics.Server
	closeOnce  sync.Once
	closeErr   error
}

// serviceConfig holds service options
type serviceConfig struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	handlers map[string]messaging.Handler
}

// ServiceOption configures the service
type ServiceOption func(*serviceConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.logger = logger
	}
}

// WithTracer sets the tracer used for consume spans
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.tracer = tracer
	}
}

// WithHandler replaces the handler of a routing key
func WithHandler(routingKey string, handler messaging.Handler) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.handlers[routingKey] = handler
	}
}

// New connects to the broker, declares the topology and builds the pipeline.
// Only failures here are fatal; everything after startup is handled per
// delivery.
func New(ctx context.Context, cfg *config.Config, options ...ServiceOption) (*Service, error) {
	sc := &serviceConfig{
		logger:   slog.Default(),
		handlers: make(map[string]messaging.Handler),
	}
	for _, opt := range options {
		opt(sc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := reliability.NewExponentialBackoff(cfg.RetryDelay(), cfg.MaxRetries).
		WithMaxInterval(cfg.RetryMaxDelay())
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	logger := sc.logger.With("service", cfg.ServiceName)

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	manager := transport.ConnectionManager()
	manager.AddStateListener(collector)
	if manager.IsConnected() {
		collector.OnConnected()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		topology:  cfg.Topology(),
		transport: transport,
		collector: collector,
	}

	if err := transport.DeclareTopology(ctx, s.topology); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	s.scheduler, err = reliability.NewRetryScheduler(policy, transport, s.newDelayer(),
		s.topology.DeadLetterExchange.Name,
		reliability.WithSchedulerLogger(logger),
		reliability.WithSchedulerMetrics(collector),
	)
	if err != nil {
		transport.Close()
		return nil, err
	}

	s.router = messaging.NewRouter()
	notification.NewHandler(logger).Register(s.router)
	for routingKey, handler := range sc.handlers {
		s.router.Handle(routingKey, handler)
	}

	subOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(logger),
		messaging.WithSubscriberMetrics(collector),
	}
	if sc.tracer != nil {
		subOpts = append(subOpts, messaging.WithTracer(sc.tracer))
	}
	s.subscriber, err = messaging.NewMessageSubscriber(transport, s.scheduler, subOpts...)
	if err != nil {
		s.scheduler.Close()
		transport.Close()
		return nil, err
	}

	s.health = health.NewRegistry()
	s.health.Register(health.NewConnectionChecker(transport))
	s.health.Register(health.NewQueueChecker(s.topology.DeadLetterQueue, transport, 0))
	for _, queue := range s.topology.QueueNames() {
		s.health.Register(health.NewQueueChecker(queue, transport, 0))
	}

	if cfg.MetricsAddr != "" {
		s.server = metrics.NewServer(cfg.MetricsAddr, collector,
			metrics.WithServerLogger(logger),
			metrics.WithHandler("/healthz", health.LivenessHandler()),
			metrics.WithHandler("/readyz", health.NewHandler(s.health, healthCheckTimeout)),
		)
	}

	logger.Info("notification service ready",
		"retryMode", cfg.RetryMode,
		"maxRetries", cfg.MaxRetries,
		"retryDelayBase", cfg.RetryDelay(),
		"prefetch", cfg.Prefetch,
		"queues", s.topology.QueueNames())

	return s, nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rabbitmqTransport.Transport, error) {
	return rabbitmqTransport.NewTransport(ctx, cfg.AMQPURL,
		rabbitmqTransport.WithTransportLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectionName(cfg.ServiceName),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithConfirmTimeout(cfg.PublishConfirmTimeout()),
		),
		rabbitmqTransport.WithConsumerOptions(
			rabbitmq.WithPrefetchCount(cfg.Prefetch),
			rabbitmq.WithConsumerTag(cfg.ServiceName),
		),
	)
}

// newDelayer picks the retry delay strategy from RETRY_MODE
func (s *Service) newDelayer() reliability.Delayer {
	if s.cfg.RetryMode == config.RetryModeTTL {
		return reliability.NewTTLDelayer(s.transport, s.transport.Topology(), s.topology.EventsExchange.Name,
			reliability.WithTTLLogger(s.logger),
		)
	}
	return reliability.NewTimerDelayer(s.transport, s.topology.EventsExchange.Name,
		reliability.WithDelayerLogger(s.logger),
		reliability.WithDelayerMetrics(s.collector),
		reliability.WithPublishTimeout(s.cfg.PublishConfirmTimeout()),
	)
}

// Run consumes every queue until ctx is done. In-flight deliveries finish
// before Run returns; call Close afterwards.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.subscriber.Run(gctx, s.topology.QueueNames(), s.router)
	})

	if s.server != nil {
		g.Go(func() error {
			return s.server.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Publish publishes an envelope to the events exchange with confirmation
func (s *Service) Publish(ctx context.Context, env *contracts.Envelope) error {
	return s.transport.Publish(ctx, s.topology.EventsExchange.Name, env)
}

// Router returns the handler router
func (s *Service) Router() *messaging.Router {
	return s.router
}

// Health returns the readiness check registry
func (s *Service) Health() *health.Registry {
	return s.health
}

// Transport returns the underlying transport
func (s *Service) Transport() *rabbitmqTransport.Transport {
	return s.transport
}

// Close stops pending retries, waits for in-flight republishes and closes
// the broker connection. Retries whose delay has not elapsed are dropped in
// timer mode.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("notification service stopped")
	})
	return s.closeErr
}

// PublishPaymentEvent publishes one sample payment event and waits for the
// broker confirm. Only the events exchange is declared.
func PublishPaymentEvent(ctx context.Context, cfg *config.Config, kind notification.Kind, fail bool, logger *slog.Logger) (*notification.PaymentEvent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	topology := cfg.Topology()
	if err := transport.Topology().DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    topology.EventsExchange.Name,
		Type:    topology.EventsExchange.Kind,
		Durable: true,
	}); err != nil {
		return nil, err
	}

	event := notification.NewPaymentEvent(kind, fail)
	env, err := event.Envelope()
	if err != nil {
		return nil, err
	}

	if err := transport.Publish(ctx, topology.EventsExchange.Name, env); err != nil {
		return nil, err
	}

	logger.Info("payment event published",
		"routingKey", env.RoutingKey,
		"paymentId", event.PaymentID,
		"traceId", event.TraceID,
		"fail", event.Fail)
	return event, nil
}
