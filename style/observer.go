package style

import (
	"log/slog"
	"time"
)

// Report is a progress sample emitted every ReportEvery steps
type Report struct {
	Losses
	Steps   int           `json:"steps"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Observer receives progress reports. Reports are observability only; an
// observer cannot influence the optimization.
type Observer interface {
	OnReport(r Report)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Report)

func (f ObserverFunc) OnReport(r Report) { f(r) }

// LogObserver writes reports to a structured logger
type LogObserver struct {
	Logger *slog.Logger
	Attrs  []any // e.g. "job_id", id
}

func (o *LogObserver) OnReport(r Report) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("style transfer progress",
		append([]any{
			"step", r.Step,
			"steps", r.Steps,
			"content_loss", r.Content,
			"style_loss", r.Style,
			"total_loss", r.Total,
			"elapsed", r.Elapsed,
		}, o.Attrs...)...)
}

// ChannelObserver sends reports to a buffered channel without blocking.
// Reports that find the buffer full are dropped.
type ChannelObserver struct {
	Reports chan Report
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{
		Reports: make(chan Report, bufferSize),
	}
}

func (o *ChannelObserver) OnReport(r Report) {
	select {
	case o.Reports <- r:
	default:
		// Channel full, drop report to avoid blocking the optimization
	}
}

// multiObserver fans reports out to several observers
type multiObserver []Observer

func (m multiObserver) OnReport(r Report) {
	for _, o := range m {
		o.OnReport(r)
	}
}

// Observers combines observers, skipping nil ones
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
