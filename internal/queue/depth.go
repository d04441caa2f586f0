package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// nsqStats is the subset of the nsqd /stats?format=json document we read.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// NSQDepthReader reports the backlog of one topic/channel pair from the nsqd
// HTTP stats endpoint.
type NSQDepthReader struct {
	client  *http.Client
	baseURL string
	topic   string
	channel string
}

func NewNSQDepthReader(nsqdHTTPAddr, topic, channel string) *NSQDepthReader {
	base := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &NSQDepthReader{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: base,
		topic:   topic,
		channel: channel,
	}
}

// Depth returns messages buffered on the topic plus those waiting on the
// worker channel. A topic nsqd has not seen yet has depth 0.
func (r *NSQDepthReader) Depth(ctx context.Context) (int64, error) {
	q := url.Values{"format": {"json"}, "topic": {r.topic}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/stats?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build nsqd stats request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsqd stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get nsqd stats: unexpected status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsqd stats: %w", err)
	}

	for _, t := range stats.Topics {
		if t.TopicName != r.topic {
			continue
		}
		depth := t.Depth
		for _, ch := range t.Channels {
			if ch.ChannelName == r.channel {
				depth += ch.Depth
			}
		}
		return depth, nil
	}
	return 0, nil
}
