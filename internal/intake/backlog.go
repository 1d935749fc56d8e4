package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/metrics"
)

// nsqdStats is the part of nsqd's /stats?format=json answer the monitor reads.
type nsqdStats struct {
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

// BacklogMonitor polls nsqd for the depth of the sources topic so records
// submitted while the bridge is down show up as backlog.
type BacklogMonitor struct {
	statsURL string
	topic    string
	channel  string
	client   *http.Client
	logger   *logging.Logger
}

// NewBacklogMonitor watches topic on the nsqd HTTP address (host:port).
// channel is the bridge's own channel, reported as the backlog.
func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string) *BacklogMonitor {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &BacklogMonitor{
		statsURL: strings.TrimRight(base, "/") + "/stats?format=json&topic=" + topic,
		topic:    topic,
		channel:  channel,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.New("intake-backlog"),
	}
}

// Run polls every interval until ctx is done.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Update(ctx); err != nil {
				b.logger.Plain().WithError(err).Warn("nsq stats unavailable")
			}
		}
	}
}

// Update fetches the stats once and sets the backlog gauges.
func (b *BacklogMonitor) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != b.topic {
			continue
		}
		backlog := topic.Depth
		for _, ch := range topic.Channels {
			if ch.ChannelName == b.channel {
				// Once the channel exists the topic hands everything to it.
				backlog = ch.Depth
			}
			metrics.SetChannelStats(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount)
		}
		metrics.IntakeBacklog.Set(float64(backlog))
	}
	return nil
}
