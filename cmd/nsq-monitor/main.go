package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/queue"
)

// Standalone backlog exporter for deployments that scrape NSQ separately
// from the send workers. It watches the send topic and its dead-letter topic.
func main() {
	nsqdHost := getEnv("NSQD_HOST", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)
	sendTopic := getEnv("NSQ_SEND_TOPIC", "notifications.send")
	dlqTopic := getEnv("NSQ_DLQ_TOPIC", "notifications.send_dlq")
	workerChannel := getEnv("NSQ_WORKER_CHANNEL", "send-workers")

	logger := logging.New("harbornotify-nsq-monitor")
	logger.Plain().WithFields(map[string]any{
		"nsqd":     nsqdHost,
		"port":     port,
		"interval": interval,
	}).Info("NSQ Monitor starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	monitors := newMonitors(nsqdHost, sendTopic, dlqTopic, workerChannel, logger)
	for _, m := range monitors {
		// prime the gauges so the first scrape is not empty
		if err := m.Update(ctx); err != nil {
			logger.Plain().WithError(err).Warn("initial NSQ stats poll failed")
		}
		go m.Run(ctx, time.Duration(interval)*time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.QueueBacklog, metrics.NSQChannelDepth, metrics.NSQChannelInflight)

	srv := &http.Server{Addr: ":" + port, Handler: newMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// newMonitors watches the worker channel on the send topic and every channel
// on the dead-letter topic. Only the send topic feeds the backlog gauge.
func newMonitors(nsqdHost, sendTopic, dlqTopic, workerChannel string, logger *logging.Logger) []*queue.BacklogMonitor {
	return []*queue.BacklogMonitor{
		queue.NewBacklogMonitor(nsqdHost, sendTopic, workerChannel, logger),
		queue.NewBacklogMonitor(nsqdHost, dlqTopic, "", logger),
	}
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
