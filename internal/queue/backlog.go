package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
)

// Stats is the part of the nsqd /stats response the monitor reads.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// BacklogMonitor exports the depth of the send topic's channels.
type BacklogMonitor struct {
	statsURL   string
	topic      string
	channel    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewBacklogMonitor polls nsqdHTTPAddr (host:port or URL) for topic; the
// backlog gauge tracks channel.
func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string, logger *logging.Logger) *BacklogMonitor {
	base := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if logger == nil {
		logger = logging.New("harbornotify-queue-monitor")
	}
	return &BacklogMonitor{
		statsURL:   base + "/stats?format=json&topic=" + topic,
		topic:      topic,
		channel:    channel,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// Run polls every interval until ctx ends.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Update(ctx); err != nil {
				b.logger.Plain().WithError(err).Error("Failed to update NSQ backlog metrics")
			}
		}
	}
}

// Update fetches the stats once and sets the gauges.
func (b *BacklogMonitor) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build NSQ stats request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != b.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == b.channel {
				metrics.UpdateQueueBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQChannel(topic.TopicName, ch.ChannelName, float64(ch.Depth), float64(ch.InFlightCount))
		}
	}
	return nil
}
