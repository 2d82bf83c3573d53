package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// Publisher is the raw transport. *nats.Client from internal/platform/nats
// implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// PublisherConfig controls the outbound queue.
type PublisherConfig struct {
	// SubjectPrefix precedes the event type, e.g. "notifications.approvals".
	SubjectPrefix string
	// InstancePrefix precedes the terminal status in subject events.
	InstancePrefix string
	QueueSize      int
	RatePerSecond  float64
	PublishTimeout time.Duration
}

// NotificationPublisher publishes approval workflow events to NATS for the
// platform notification service, and terminal instance events for the
// subject modules that own the approved entities.
//
// Subjects:
//
//	notifications.approvals.<event_type>   approval_requested, approval_escalated, workflow_completed
//	approvals.instance.<status>            approved, rejected, cancelled
//
// Publishing is asynchronous and best-effort: Notify only enqueues, a single
// worker drains the queue at the configured rate, and failures are logged.
type NotificationPublisher struct {
	pub     Publisher
	cfg     PublisherConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *logger.Logger

	queue     chan outbound
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type outbound struct {
	subject string
	data    []byte
	ref     string
}

// NotificationEvent is the JSON schema published on notification subjects.
type NotificationEvent struct {
	EventType     string    `json:"event_type"`
	Recipients    []string  `json:"recipients,omitempty"`
	RecipientRole string    `json:"recipient_role,omitempty"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	InstanceID    string    `json:"instance_id"`
	StepID        string    `json:"step_id,omitempty"`
	IsActionable  bool      `json:"is_actionable,omitempty"`
	Severity      string    `json:"severity"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// InstanceEvent is the JSON schema published when an instance finishes.
type InstanceEvent struct {
	InstanceID   string    `json:"instance_id"`
	SubjectType  string    `json:"subject_type"`
	SubjectID    string    `json:"subject_id"`
	Status       string    `json:"status"`
	TemplateName string    `json:"template_name,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
	Steps        int       `json:"steps"`
}

var errQueueFull = errors.New(errors.ErrCodeUnavailable, "notification queue is full")

// NewNotificationPublisher starts the publish worker. Call Close to drain it.
func NewNotificationPublisher(pub Publisher, cfg PublisherConfig, m *metrics.Metrics, log *logger.Logger) *NotificationPublisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "notifications.approvals"
	}
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = "approvals.instance"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	p := &NotificationPublisher{
		pub:     pub,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		log:     log.Component("notification_publisher"),
		queue:   make(chan outbound, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(_ context.Context, n service.Notification) error {
	event := NotificationEvent{
		EventType:     n.EventType,
		RecipientRole: n.RecipientRole.String(),
		ResourceType:  n.SubjectType,
		ResourceID:    n.SubjectID,
		InstanceID:    n.InstanceID,
		StepID:        n.StepID,
		IsActionable:  n.EventType != service.EventWorkflowCompleted,
		Severity:      "info",
		Category:      "approval",
		Message:       n.Message,
		OccurredAt:    n.OccurredAt,
	}
	if n.RecipientID != "" {
		event.Recipients = []string{n.RecipientID}
	}
	if n.EventType == service.EventApprovalEscalated {
		event.Severity = "warning"
	}
	return p.enqueue(fmt.Sprintf("%s.%s", p.cfg.SubjectPrefix, n.EventType), event, n.InstanceID)
}

// OnInstanceFinished implements service.SubjectListener.
func (p *NotificationPublisher) OnInstanceFinished(_ context.Context, v *service.InstanceView) {
	inst := v.Instance
	event := InstanceEvent{
		InstanceID:   inst.ID,
		SubjectType:  inst.SubjectType,
		SubjectID:    inst.SubjectID,
		Status:       string(inst.Status),
		TemplateName: inst.TemplateName,
		Steps:        len(v.Steps),
	}
	if inst.CompletedAt != nil {
		event.CompletedAt = *inst.CompletedAt
	}
	subject := fmt.Sprintf("%s.%s", p.cfg.InstancePrefix, inst.Status)
	if err := p.enqueue(subject, event, inst.ID); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", inst.ID).
			Msg("notification: instance event dropped (non-fatal)")
	}
}

func (p *NotificationPublisher) enqueue(subject string, event any, ref string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "marshal notification event")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.NotificationDropped()
		return errors.New(errors.ErrCodeUnavailable, "notification publisher is closed")
	}
	select {
	case p.queue <- outbound{subject: subject, data: data, ref: ref}:
		return nil
	default:
		p.metrics.NotificationDropped()
		return errQueueFull
	}
}

func (p *NotificationPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		_ = p.limiter.Wait(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		err := p.pub.Publish(ctx, msg.subject, msg.data)
		cancel()
		if err != nil {
			p.metrics.NotificationDropped()
			p.log.Warn().Err(err).
				Str("subject", msg.subject).
				Str("instance_id", msg.ref).
				Msg("notification: failed to publish NATS event (non-fatal)")
			continue
		}
		p.log.Debug().
			Str("subject", msg.subject).
			Str("instance_id", msg.ref).
			Msg("notification: event published")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx.
func (p *NotificationPublisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
