package workflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voronode/invoiceflow/circuit"
)

// Metrics exports engine activity to Prometheus. Register it as engine
// callbacks and pass OnBreakerStateChange to the circuit registry.
type Metrics struct {
	BaseEngineCallbacks

	stageExecutions   *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerTransition *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		stageExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Stage executions by node and result",
			},
			[]string{"node", "result"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"node"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_transitions_total",
				Help:      "Committed workflow transitions by action and resulting status",
			},
			[]string{"action", "status"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per tool (0 closed, 1 half-open, 2 open)",
			},
			[]string{"tool"},
		),
		breakerTransition: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state changes",
			},
			[]string{"tool", "from", "to"},
		),
	}
}

func (m *Metrics) AfterStage(ctx context.Context, event *StageEvent) {
	result := "success"
	if event.Error != nil {
		result = string(event.Error.Kind)
	}
	m.stageExecutions.WithLabelValues(string(event.Node), result).Inc()
	m.stageDuration.WithLabelValues(string(event.Node)).Observe(event.Duration.Seconds())
}

func (m *Metrics) OnTransition(ctx context.Context, event *TransitionEvent) {
	action := string(event.Action)
	if action == "" {
		action = event.Event
	}
	m.transitions.WithLabelValues(action, string(event.To)).Inc()
}

// OnBreakerStateChange is a circuit.StateChangeFunc.
func (m *Metrics) OnBreakerStateChange(tool string, from, to circuit.State) {
	m.breakerState.WithLabelValues(tool).Set(breakerStateValue(to))
	m.breakerTransition.WithLabelValues(tool, string(from), string(to)).Inc()
}

func breakerStateValue(state circuit.State) float64 {
	switch state {
	case circuit.StateHalfOpen:
		return 1
	case circuit.StateOpen:
		return 2
	default:
		return 0
	}
}
