package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starfix_frames_total",
		Help: "Raw frames captured from the camera.",
	})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starfix_frames_dropped_total",
		Help: "Transient capture errors that were retried.",
	})
	metricSolveAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starfix_solve_attempts_total",
		Help: "Plate solve attempts submitted to the solver.",
	})
	metricSolveSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starfix_solve_successes_total",
		Help: "Plate solve attempts that produced a solution.",
	})
)
