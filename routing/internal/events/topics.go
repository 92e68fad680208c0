package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

const (
	TopicRoutingRequests = "customer.routing.requests"
	TopicAssignments     = "customer.assignments"
	TopicWorkerStatus    = "agent.status"
	TopicDeadLetter      = "customer.routing.deadletter"
)

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Topics maps the configured topic names to their partition layout.
func Topics(routing, assignments, status, deadLetter string) []TopicSpec {
	return []TopicSpec{
		{Name: routing, Partitions: 5, ReplicationFactor: 1},
		{Name: assignments, Partitions: 5, ReplicationFactor: 1},
		{Name: status, Partitions: 3, ReplicationFactor: 1},
		{Name: deadLetter, Partitions: 1, ReplicationFactor: 1},
	}
}

// CreateTopics creates the given topics through the cluster controller.
// Topics that already exist are left as they are.
func CreateTopics(ctx context.Context, brokers []string, specs []TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker required")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	for _, spec := range specs {
		err := cc.CreateTopics(kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
	}
	return nil
}
