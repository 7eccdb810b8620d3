package kafka

import (
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/bennyboer/kicherkrabbe-sub011/ports/transport"
)

// partitionKey keeps the messages of one aggregate in one partition.
func partitionKey(msg transport.Message) []byte {
	if id := msg.Header(transport.HeaderAggregateID); id != "" {
		return []byte(id)
	}
	return []byte(msg.ID)
}

func toKafka(topic string, msg transport.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	headers = append(headers, kafka.Header{Key: transport.HeaderMessageID, Value: []byte(msg.ID)})
	for k, v := range msg.Headers {
		if k == transport.HeaderMessageID {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     partitionKey(msg),
		Value:   msg.Payload,
		Headers: headers,
	}
}

func fromKafka(prefix string, m kafka.Message) transport.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return transport.Message{
		ID:      headers[transport.HeaderMessageID],
		Target:  strings.TrimPrefix(m.Topic, prefix+"."),
		Payload: m.Value,
		Headers: headers,
	}
}
