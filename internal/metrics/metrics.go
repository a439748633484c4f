// Package metrics holds the Prometheus collectors shared by the delivery layer, the inbound
// router and the dialogue engine. Collectors register with the default registry and are
// served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outboundMessagesMetricName   = "smsagent_outbound_messages_total"
	deliveryAttemptsMetricName   = "smsagent_delivery_attempts_total"
	inboundMessagesMetricName    = "smsagent_inbound_messages_total"
	crisisInterceptionMetricName = "smsagent_crisis_interceptions_total"
	dialogueOutcomeMetricName    = "smsagent_dialogue_outcomes_total"
	suggestionSourceMetricName   = "smsagent_suggestions_total"
	webhookDurationMetricName    = "smsagent_webhook_processing_seconds"
)

// Outcome labels for OutboundMessages.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "retries_exhausted"
)

var (
	// OutboundMessages counts Deliverer.Send results by outcome.
	OutboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: outboundMessagesMetricName,
		Help: "Outbound SMS sends by final outcome.",
	}, []string{"outcome"})

	// DeliveryAttempts counts every carrier call, including retries.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: deliveryAttemptsMetricName,
		Help: "Carrier API calls by result (ok, retryable, non_retryable).",
	}, []string{"result"})

	// InboundMessages counts webhook messages by the dispatch route that handled them.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: inboundMessagesMetricName,
		Help: "Inbound SMS messages by dispatch route.",
	}, []string{"route"})

	CrisisInterceptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: crisisInterceptionMetricName,
		Help: "Inbound messages answered with the crisis safety response.",
	})

	// DialogueOutcomes counts terminal and error outcomes of the backup plan conversation.
	DialogueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: dialogueOutcomeMetricName,
		Help: "Backup plan conversations by outcome (committed, removed, commit_failed, corrupt_session).",
	}, []string{"outcome"})

	// Suggestions counts reduction suggestions by the implementation that produced them.
	Suggestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: suggestionSourceMetricName,
		Help: "Reduction suggestions by source (ai, fallback).",
	}, []string{"source"})

	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    webhookDurationMetricName,
		Help:    "Time spent processing an inbound webhook message after acknowledgement.",
		Buckets: prometheus.DefBuckets,
	})
)
