package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
)

func (d *Deps) queueRoutes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"QUEUE_DEPTH":              d.handleQueueDepth,
		"CONSUMER_LAG":             d.handleConsumerLag,
		"THROUGHPUT_METRICS":       d.handleThroughputMetrics,
		"DLQ_MESSAGE":              d.handleDLQMessage,
		"BROKER_CONNECTION":        d.handleBrokerConnection,
		"CONSUMER_GROUP_REBALANCE": d.handleConsumerGroupRebalance,
	}
}

func (d *Deps) handleQueueDepth(ctx context.Context, ev *event.Envelope) error {
	queueName, err := requireField(ev, "queueName")
	if err != nil {
		return err
	}
	depth := ev.Float("depth", 0)
	cfg := d.Cfg.Queue

	d.observe(ctx, d.Stores.Queues, queueName, func(agg *store.Rolling) {
		agg.Observe(depth)
		agg.Set("depth", depth)
		if depth > cfg.MaxQueueDepth {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(depth)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if depth <= cfg.MaxQueueDepth {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"HIGH_QUEUE_DEPTH",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Queue %s depth %.0f exceeds %.0f",
				queueName, depth, cfg.MaxQueueDepth),
			tags(
				"queue", queueName,
				"depth", strconv.FormatFloat(depth, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("queue.depth", depth, tags("queue", queueName))
	return nil
}

func (d *Deps) handleConsumerLag(ctx context.Context, ev *event.Envelope) error {
	groupID, err := requireField(ev, "consumerGroup")
	if err != nil {
		return err
	}
	topic := ev.String("topic", "")
	lag := ev.Float("lag", 0)
	cfg := d.Cfg.Queue

	key := groupID + ":" + topic
	d.observe(ctx, d.Stores.Consumers, key, func(agg *store.Rolling) {
		agg.Observe(lag)
		agg.Set("lag", lag)
		if lag > cfg.MaxConsumerLag {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(lag)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if lag <= cfg.MaxConsumerLag {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"HIGH_CONSUMER_LAG",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Consumer group %s lag %.0f on %s exceeds %.0f",
				groupID, lag, topic, cfg.MaxConsumerLag),
			tags(
				"consumerGroup", groupID,
				"topic", topic,
				"lag", strconv.FormatFloat(lag, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("queue.consumer_lag", lag,
		tags("consumerGroup", groupID, "topic", topic))
	return nil
}

func (d *Deps) handleThroughputMetrics(ctx context.Context, ev *event.Envelope) error {
	queueName, err := requireField(ev, "queueName")
	if err != nil {
		return err
	}
	rate := ev.Float("messagesPerSecond", 0)
	bytes := ev.Float("bytesPerSecond", 0)
	cfg := d.Cfg.Queue

	d.observe(ctx, d.Stores.Queues, queueName, func(agg *store.Rolling) {
		agg.Observe(rate)
		agg.Set("throughput", rate)
		agg.AddBytes(uint64(bytes))
	}, func(snap store.Snapshot) []evaluate.Decision {
		// A drop only means something against an established baseline.
		if snap.Count < 10 || snap.Average <= 0 {
			return nil
		}
		if rate >= snap.Average*cfg.ThroughputDropRatio {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"THROUGHPUT_DROP", evaluate.Medium,
			fmt.Sprintf("Queue %s throughput %.1f msg/s, down from %.1f average",
				queueName, rate, snap.Average),
			tags(
				"queue", queueName,
				"rate", strconv.FormatFloat(rate, 'f', 1, 64),
				"average", strconv.FormatFloat(snap.Average, 'f', 1, 64),
			))}
	})

	d.Metrics.Record("queue.throughput", rate, tags("queue", queueName))
	return nil
}

func (d *Deps) handleDLQMessage(ctx context.Context, ev *event.Envelope) error {
	queueName, err := requireField(ev, "queueName")
	if err != nil {
		return err
	}
	originalTopic := ev.String("originalTopic", "")
	reason := ev.String("reason", "")
	cfg := d.Cfg.Queue

	key := "dlq:" + queueName
	d.observe(ctx, d.Stores.Queues, key, func(agg *store.Rolling) {
		agg.RecordFailure()
	}, func(snap store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Streak(
			"HIGH_DLQ_COUNT",
			snap.ConsecutiveFails, int(cfg.DLQCountThreshold), snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Dead letter queue %s accumulated %d messages",
				queueName, snap.Errors),
			tags(
				"queue", queueName,
				"originalTopic", originalTopic,
				"reason", reason,
				"count", strconv.FormatUint(snap.Errors, 10),
			))}
	})

	d.Metrics.Record("queue.dlq_messages", 1, tags("queue", queueName))
	return nil
}

func (d *Deps) handleBrokerConnection(ctx context.Context, ev *event.Envelope) error {
	brokerID, err := requireField(ev, "brokerId")
	if err != nil {
		return err
	}
	status := ev.String("status", "UNKNOWN")
	cfg := d.Cfg.Queue

	connected := status == "CONNECTED" || status == "UP"
	d.observe(ctx, d.Stores.Brokers, brokerID, func(agg *store.Rolling) {
		if connected {
			agg.RecordSuccess(1)
		} else {
			agg.RecordFailure()
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if connected {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"BROKER_UNHEALTHY",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.Critical,
			fmt.Sprintf("Broker %s is %s after %d consecutive checks",
				brokerID, status, snap.ConsecutiveFails),
			tags("broker", brokerID, "status", status))}
	})

	d.Metrics.Record("queue.broker_connection", boolToFloat(connected),
		tags("broker", brokerID))
	return nil
}

func (d *Deps) handleConsumerGroupRebalance(ctx context.Context, ev *event.Envelope) error {
	groupID, err := requireField(ev, "consumerGroup")
	if err != nil {
		return err
	}
	reason := ev.String("reason", "")
	cfg := d.Cfg.Queue

	key := "rebalance:" + groupID
	d.observe(ctx, d.Stores.Consumers, key, func(agg *store.Rolling) {
		// Rebalances are only a problem when they cluster together.
		agg.RecordFailureWindowed(d.Cfg.Errors.SpikeWindow.D())
	}, func(snap store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Streak(
			"FREQUENT_REBALANCING",
			snap.ConsecutiveFails, cfg.RebalanceLimit, snap.Degraded,
			evaluate.Medium,
			fmt.Sprintf("Consumer group %s rebalanced %d times in quick succession",
				groupID, snap.ConsecutiveFails),
			tags("consumerGroup", groupID, "reason", reason))}
	})

	d.Metrics.Record("queue.rebalances", 1, tags("consumerGroup", groupID))
	return nil
}
