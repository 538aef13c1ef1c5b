package api

import (
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleReport renders a quick HTML page charting the processing stats.
// Debugging-only endpoint (no auth) for checking pipeline health without a
// client app attached.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()

	page := components.NewPage()
	page.AddCharts(
		latencyBar("Stage latency (recent)", map[string]float64{
			"capture": stats.CaptureLatency.Snapshot().Recent.Mean,
			"detect":  stats.DetectLatency.Snapshot().Recent.Mean,
			"solve":   stats.SolveLatency.Snapshot().Recent.Mean,
			"overall": stats.OverallLatency.Snapshot().Recent.Mean,
		}),
		fractionGauge("Solve attempt fraction", stats.SolveAttempt.Snapshot().Recent.Mean),
		fractionGauge("Solve success fraction", stats.SolveSuccess.Snapshot().Recent.Mean),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Render(w); err != nil {
		http.Error(w, fmt.Sprintf("render: %v", err), http.StatusInternalServerError)
	}
}

func latencyBar(title string, values map[string]float64) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "starfix processing report"}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	order := []string{"capture", "detect", "solve", "overall"}
	var data []opts.BarData
	for _, k := range order {
		data = append(data, opts.BarData{Name: k, Value: values[k]})
	}
	bar.SetXAxis(order).AddSeries("mean latency", data)
	return bar
}

func fractionGauge(title string, fraction float64) *charts.Gauge {
	g := charts.NewGauge()
	g.SetGlobalOptions(charts.WithTitleOpts(opts.Title{Title: title}))
	g.AddSeries("", []opts.GaugeData{{Name: title, Value: fraction * 100}})
	return g
}
