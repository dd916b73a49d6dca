package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafka protocol error code 36 = TOPIC_ALREADY_EXISTS
const errTopicAlreadyExists = 36

// ensureTopic creates the events topic if it does not exist yet. An
// already-existing topic is success.
func (p *Producer) ensureTopic() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = p.topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := p.client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode != 0 {
			if topicResp.ErrorCode == errTopicAlreadyExists {
				slog.Info("topic already exists", slog.String("topic", topicResp.Topic))
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created", slog.String("topic", topicResp.Topic))
	}
	return nil
}
