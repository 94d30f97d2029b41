// Command telemetry is a reference binary wiring transport → triangulate →
// realtime → worker → bridge → schedule against a synthetic feed. It
// demonstrates the contracts internal/transport declares; it is not "the"
// production broker, store, or UI. Grounded on cmd/tori/main.go's
// mode-dispatch shape and the ja7ad-consumption cobra CLI for flag/command
// layout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ridgeline/evtelemetry/internal/bridge"
	"github.com/ridgeline/evtelemetry/internal/config"
	"github.com/ridgeline/evtelemetry/internal/kpi"
	"github.com/ridgeline/evtelemetry/internal/metrics"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/realtime"
	"github.com/ridgeline/evtelemetry/internal/sample"
	"github.com/ridgeline/evtelemetry/internal/schedule"
	"github.com/ridgeline/evtelemetry/internal/sqlitestore"
	"github.com/ridgeline/evtelemetry/internal/transport"
	"github.com/ridgeline/evtelemetry/internal/triangulate"
	"github.com/ridgeline/evtelemetry/internal/worker"
)

func main() {
	var (
		configPath string
		dbPath     string
		listenAddr string
		sessionID  string
		rateHz     float64
	)

	root := &cobra.Command{
		Use:   "telemetry",
		Short: "Reference telemetry ingestion pipeline driven by a synthetic feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, dbPath, listenAddr, sessionID, rateHz)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults built-in if omitted)")
	root.Flags().StringVar(&dbPath, "db", "./telemetry.db", "path to the SQLite durable store")
	root.Flags().StringVar(&listenAddr, "listen", ":9090", "address to serve /metrics on")
	root.Flags().StringVar(&sessionID, "session", "demo-session", "session id the synthetic feed publishes under")
	root.Flags().Float64Var(&rateHz, "rate", 10, "synthetic sample rate in Hz")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		slog.Error("telemetry: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, dbPath, listenAddr, sessionID string, rateHz float64) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	httpSrv := &http.Server{Addr: listenAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telemetry: metrics server", "error", err)
		}
	}()
	defer httpSrv.Shutdown(context.Background())

	broker := newDemoBroker(60 * time.Second)
	tri := triangulate.New(triangulate.Config{
		PageSize:        1000,
		MaxPages:        100,
		Liveness:        cfg.ActiveSessionFreshness.Duration,
		HistoryLookback: cfg.HistoryLookback.Duration,
		RingCapacity:    cfg.MaxPoints,
	}, store, broker, time.Now)

	sched := schedule.New(schedule.DefaultConfig())
	sched.RegisterGauge("speed", logGauge{name: "speed_ms"})
	sched.RegisterGauge("battery", logGauge{name: "battery_pct"})
	sched.RegisterChart("main", &logChart{visible: true})
	sched.SetKPIView(logKPIView{})

	onProcessed := func(ev worker.Event) {
		switch ev.Type {
		case worker.EventProcessedData:
			sched.UpdateGauge("speed", ev.KPIs.CurrentSpeedMS)
			sched.UpdateGauge("battery", ev.KPIs.BatteryPercent)
			sched.UpdateChart("main", ev.ChartData)
			sched.UpdateKPI(ev.KPIs, ev.Quality, ev.Alerts)
			for _, a := range ev.Alerts {
				slog.Warn("alert", "kind", a.Kind, "text", a.Text, "severity", a.Severity)
			}
		case worker.EventDataReady:
			slog.Info("triangulation complete",
				"from_store", ev.Stats.FromStore,
				"from_broker_history", ev.Stats.FromBrokerHistory,
				"from_live_buffer", ev.Stats.FromLiveBuffer,
				"total", ev.Stats.Total)
			sched.UpdateKPI(ev.KPIs, ev.Quality, ev.Alerts)
		}
	}

	br := bridge.New(bridge.Config{
		MaxQueueSize:        cfg.WorkerQueueMax,
		HealthCheckInterval: bridge.DefaultHealthCheckInterval,
		StuckAfter:          cfg.WorkerHealthInterval.Duration,
		MaxRestartAttempts:  1,
	}, m, onProcessed)
	br.Start(ctx, cfg.MaxPoints, cfg.DownsampleThreshold)
	defer br.Terminate()

	rc := realtime.New(tri, br, func(s realtime.State) {
		slog.Info("realtime: state change", "state", s)
	}, func(a quality.Alert) {
		slog.Warn("alert", "kind", a.Kind, "text", a.Text, "severity", a.Severity)
	})
	broker.Subscribe("sample", func(item transport.Item) {
		var s sample.Sample
		if err := json.Unmarshal(item.Data, &s); err != nil {
			slog.Warn("telemetry: dropping unparseable live message", "error", err)
			return
		}
		rc.HandleLiveMessage(s)
	})

	go sched.Run(ctx)
	rc.Connect(ctx)

	stopFeed := runSyntheticFeed(ctx, broker, store, sessionID, rateHz)
	defer stopFeed()

	<-ctx.Done()
	rc.Disconnect()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runSyntheticFeed publishes synthetic Samples at rateHz, persisting each to
// the durable store and emitting it on the broker channel, standing in for
// a real telemetry transport so the pipeline can be exercised end to end.
func runSyntheticFeed(ctx context.Context, broker *demoBroker, store *sqlitestore.Store, sessionID string, rateHz float64) func() {
	if rateHz <= 0 {
		rateHz = 10
	}
	interval := time.Duration(float64(time.Second) / rateHz)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		var n int
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case t := <-ticker.C:
				s := syntheticSample(sessionID, n, t)
				n++
				if err := store.Insert(ctx, s); err != nil {
					slog.Warn("telemetry: persist synthetic sample", "error", err)
				}
				broker.Publish(transport.Item{
					Name:      "sample",
					Timestamp: t,
					Data:      mustMarshal(s),
				})
			}
		}
	}()
	return func() { <-done }
}

func syntheticSample(sessionID string, n int, t time.Time) sample.Sample {
	phase := float64(n) * 0.1
	return sample.Sample{
		Timestamp: t.Format(time.RFC3339Nano),
		MessageID: fmt.Sprintf("%d", n),
		SessionID: sessionID,
		VoltageV:  54.0 - float64(n%200)*0.02,
		CurrentA:  10 + 2*phaseSin(phase),
		SpeedMS:   8 + 4*phaseSin(phase/2),
		AccelX:    0.05 * phaseSin(phase*3),
		AccelY:    0.05 * phaseSin(phase*3+1),
		AccelZ:    9.8,
	}
}

func phaseSin(x float64) float64 {
	// Avoids importing math just for a bounded oscillation in the demo feed.
	x = x - float64(int(x/6.283185307))*6.283185307
	return x - (x*x*x)/6 + (x*x*x*x*x)/120
}

func mustMarshal(s sample.Sample) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}

// demoBroker is a minimal in-process transport.BrokerChannel: a bounded
// replay history plus fan-out subscription, standing in for a real pub/sub
// broker (spec §1's external collaborator). Not part of the core — it
// exists only so this binary can demonstrate the consumed interfaces.
type demoBroker struct {
	mu       sync.Mutex
	lookback time.Duration
	history  []transport.Item
	subs     []func(transport.Item)
}

func newDemoBroker(lookback time.Duration) *demoBroker {
	return &demoBroker{lookback: lookback}
}

func (b *demoBroker) Subscribe(event string, cb func(transport.Item)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, cb)
	idx := len(b.subs) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[idx] = nil
	}, nil
}

func (b *demoBroker) Attach(ctx context.Context) error { return nil }

func (b *demoBroker) History(ctx context.Context, q transport.HistoryQuery) (transport.HistoryPager, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]transport.Item, len(b.history))
	copy(items, b.history)

	if q.Direction == transport.DirectionBackwards {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if !q.Start.IsZero() {
		filtered := items[:0:0]
		for _, it := range items {
			if !it.Timestamp.Before(q.Start) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return &demoPager{items: items}, nil
}

func (b *demoBroker) Publish(item transport.Item) {
	b.mu.Lock()
	b.history = append(b.history, item)
	cutoff := item.Timestamp.Add(-b.lookback)
	i := 0
	for i < len(b.history) && b.history[i].Timestamp.Before(cutoff) {
		i++
	}
	b.history = b.history[i:]
	subs := make([]func(transport.Item), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, cb := range subs {
		if cb != nil {
			cb(item)
		}
	}
}

type demoPager struct{ items []transport.Item }

func (p *demoPager) Page() transport.Page { return transport.Page{Items: p.items} }
func (p *demoPager) HasNext() bool        { return false }
func (p *demoPager) Next(ctx context.Context) (transport.HistoryPager, error) {
	return nil, nil
}

// logGauge/logChart/logKPIView are the demo CLI's Gauge/Chart/KPIView
// implementations — structured log lines in place of a real rendering
// surface, which spec §1 explicitly excludes from this module's scope.
type logGauge struct{ name string }

func (g logGauge) Update(v float64) { slog.Debug("gauge", "name", g.name, "value", v) }

type logChart struct{ visible bool }

func (c *logChart) Visible() bool { return c.visible }
func (c *logChart) Refresh(data []sample.DerivedSample) {
	slog.Debug("chart refresh", "points", len(data))
}

type logKPIView struct{}

func (logKPIView) Update(k kpi.Snapshot, q quality.Report, alerts []quality.Alert) {
	slog.Info("kpi", "speed_ms", k.CurrentSpeedMS, "battery_pct", k.BatteryPercent,
		"quality_score", q.Score, "alerts", len(alerts))
}
