package metrics

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/pkg/logger"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Successful claims, including claims that ended in dead-lettering
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_claimed_total",
			Help: "Total number of messages claimed",
		},
		[]string{"queue"},
	)

	// Lease renewals
	LeasesRenewed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_leases_renewed_total",
			Help: "Total number of lease renewals",
		},
		[]string{"queue"},
	)

	// Messages completed
	MessagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_completed_total",
			Help: "Total number of messages completed",
		},
		[]string{"queue"},
	)

	// Messages sent to DLQ
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_dead_lettered_total",
			Help: "Total number of messages forwarded to a dead-letter queue",
		},
		[]string{"queue"},
	)

	// Done messages deleted by reap
	MessagesReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_reaped_total",
			Help: "Total number of completed messages deleted",
		},
		[]string{"queue"},
	)

	// HTTP request duration
	HTTPDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "leaseq_http_duration_seconds",
			Help: "Duration of HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)
)

type prometheusObserver struct{}

// NewObserver returns a queue.Observer that feeds the counters above.
func NewObserver() queue.Observer {
	return prometheusObserver{}
}

func (prometheusObserver) Enqueued(q string, n int) {
	MessagesEnqueued.WithLabelValues(q).Add(float64(n))
}
func (prometheusObserver) Claimed(q string) {
	MessagesClaimed.WithLabelValues(q).Inc()
}
func (prometheusObserver) Renewed(q string) {
	LeasesRenewed.WithLabelValues(q).Inc()
}
func (prometheusObserver) Completed(q string) {
	MessagesCompleted.WithLabelValues(q).Inc()
}
func (prometheusObserver) DeadLettered(q string) {
	MessagesDeadLettered.WithLabelValues(q).Inc()
}
func (prometheusObserver) Reaped(q string, n int64) {
	MessagesReaped.WithLabelValues(q).Add(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}

var queueMessagesDesc = prometheus.NewDesc(
	"leaseq_queue_messages",
	"Messages per queue by state, read from the store at scrape time.",
	[]string{"queue", "state"},
	nil,
)

// StatsSource is what the collector reads. *queue.Engine satisfies it.
type StatsSource interface {
	Name() string
	Stats(ctx context.Context) (queue.Stats, error)
}

// Collector reports queue depth gauges. Queues whose stats cannot be read
// are skipped for that scrape.
type Collector struct {
	sources []StatsSource
	timeout time.Duration
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(sources ...StatsSource) *Collector {
	sorted := append([]StatsSource(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Collector{sources: sorted, timeout: 5 * time.Second}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueMessagesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, src := range c.sources {
		s, err := src.Stats(ctx)
		if err != nil {
			logger.Warn("collect queue stats", zap.String("queue", src.Name()), zap.Error(err))
			continue
		}
		for _, v := range []struct {
			state string
			n     int64
		}{
			{"total", s.Total},
			{"size", s.Size},
			{"in_flight", s.InFlight},
			{"done", s.Done},
		} {
			ch <- prometheus.MustNewConstMetric(queueMessagesDesc, prometheus.GaugeValue, float64(v.n), src.Name(), v.state)
		}
	}
}
