// batch-runner analyzes a list of URLs from the command line, mirroring
// the interactive batch flow: pending pages, paced launches, progress in
// completion order. Optionally uploads finished reports and creates a
// share snapshot when SHARE_API_URL is set.
package main

import (
	"bufio"
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lazypagespeed/batch"
	"lazypagespeed/domain"
	"lazypagespeed/events"
	"lazypagespeed/export"
	"lazypagespeed/gateway"
	"lazypagespeed/obs"
	"lazypagespeed/registry"
	"lazypagespeed/shareclient"
)

func main() {
	shutdownObs, _ := obs.Init("batch-runner")
	defer func() { _ = shutdownObs(context.Background()) }()

	if len(os.Args) < 2 {
		log.Fatalf("usage: batch-runner <urls-file>")
	}
	urls, err := loadURLs(os.Args[1])
	if err != nil {
		log.Fatalf("load urls: %v", err)
	}
	if len(urls) == 0 {
		log.Fatalf("no urls in %s", os.Args[1])
	}

	ctx, cancel := signalContext()
	defer cancel()

	bus := events.NewBus()
	bus.Subscribe(logEvent)

	var reg registry.Store
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		r, err := registry.NewRedis(redisAddr, os.Getenv("REDIS_PASSWORD"), bus)
		if err != nil {
			log.Fatalf("init redis registry failed: %v", err)
		}
		reg = r
	} else {
		reg = registry.NewInMemory(bus)
	}
	for _, u := range urls {
		if err := reg.Add(u); err != nil {
			slog.Warn("skip url", "url", u, "err", err)
		}
	}

	apiKey := strings.TrimSpace(os.Getenv("PSI_API_KEY"))
	relayURL := strings.TrimSpace(os.Getenv("RELAY_URL"))
	if apiKey == "" && relayURL == "" {
		log.Fatalf("PSI_API_KEY 和 RELAY_URL 都未设置：无法调用分析服务")
	}
	gwOpts := []gateway.Option{
		gateway.WithLocale(readEnvDefault("PSI_LOCALE", "zh_TW")),
	}
	if relayURL != "" {
		gwOpts = append(gwOpts, gateway.WithRelayURL(relayURL))
	}
	gw := gateway.NewClient(gwOpts...)

	settings := domain.Settings{
		ProMode: apiKey != "",
		APIKey:  apiKey,
		Locale:  readEnvDefault("PSI_LOCALE", "zh_TW"),
	}

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	// Abort the batch on SIGINT/SIGTERM; in-flight analyses finish.
	sched := batch.NewScheduler(reg, gw, bus)
	go func() {
		<-ctx.Done()
		sched.Abort()
	}()

	sched.Start(ctx, settings, reg.PendingURLs())

	stats := reg.Statistics()
	slog.Info("batch finished",
		"total", stats.Total, "completed", stats.Completed, "failed", stats.Failed)

	if outPath := strings.TrimSpace(os.Getenv("EXPORT_XLSX")); outPath != "" {
		if err := export.WriteSummaryXLSX(reg.GetAll(), outPath); err != nil {
			log.Fatalf("write xlsx failed: %v", err)
		}
		slog.Info("summary written", "path", outPath)
	}

	if shareAPI := strings.TrimSpace(os.Getenv("SHARE_API_URL")); shareAPI != "" {
		if err := publishShare(ctx, shareAPI, reg); err != nil {
			log.Fatalf("share failed: %v", err)
		}
	}
}

// publishShare uploads the report of every successfully analyzed page and
// creates a snapshot covering all pages.
func publishShare(ctx context.Context, shareAPI string, reg registry.Store) error {
	client := shareclient.New(shareAPI)
	urls := make([]string, 0)
	for _, page := range reg.GetAll() {
		urls = append(urls, page.URL)
		if page.Status != domain.PageStatusSuccess {
			continue
		}
		report := page.Reports.Mobile
		if len(report) == 0 {
			report = page.Reports.Desktop
		}
		if len(report) == 0 {
			continue
		}
		if _, err := client.UploadReport(ctx, page.URL, report); err != nil {
			return err
		}
	}
	shareID, err := client.CreateShare(ctx, urls, nil, "")
	if err != nil {
		return err
	}
	slog.Info("share ready", "shareId", shareID)
	return nil
}

func logEvent(e events.Event) {
	switch ev := e.(type) {
	case events.BatchProgress:
		slog.Info("progress", "current", ev.Current, "total", ev.Total,
			"completed", ev.Completed, "failed", ev.Failed)
	case events.AnalysisFailed:
		slog.Warn("analysis failed", "url", ev.URL, "err", ev.Error)
	case events.SystemError:
		slog.Error("batch error", "err", ev.Message)
	default:
		slog.Debug("event", "kind", e.Kind())
	}
}

func loadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("batch-runner-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
