// Package metrics defines Prometheus metrics for subscriptions, submission
// processing and mail delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SubscriptionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_subscription_transitions_total",
		Help: "Total number of subscription status changes",
	}, []string{"from", "to"})
	ConfirmationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_confirmations_sent_total",
		Help: "Total number of subscription confirmation mails sent",
	}, []string{"mailing_list"})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_messages_sent_total",
		Help: "Total number of submission messages delivered",
	}, []string{"mailing_list"})
	MessagesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_messages_skipped_total",
		Help: "Total number of deliveries skipped because a sending was already recorded",
	}, []string{"mailing_list"})
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_delivery_failures_total",
		Help: "Total number of failed submission deliveries",
	}, []string{"mailing_list"})
	SubmissionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_submissions_sent_total",
		Help: "Total number of submissions that reached SENT",
	}, []string{"mailing_list"})
	RateLimitPauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_rate_limit_pauses_total",
		Help: "Total number of pauses taken by the send rate limiter",
	}, []string{"tier"})
	BatchRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailinglist_batch_runs_total",
		Help: "Total number of outstanding-submission batch runs",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(SubscriptionTransitions)
	prometheus.MustRegister(ConfirmationsSent)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesSkipped)
	prometheus.MustRegister(DeliveryFailures)
	prometheus.MustRegister(SubmissionsSent)
	prometheus.MustRegister(RateLimitPauses)
	prometheus.MustRegister(BatchRuns)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
