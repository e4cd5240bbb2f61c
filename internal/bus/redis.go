package bus

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/redis.v3"
)

// RedisBus publishes bus events to per-pool Redis Pub/Sub channels. This
// repurposes the teacher's own gopkg.in/redis.v3 dependency — originally
// used there for share/balance persistence, an explicitly external
// concern here — as the internal message-bus transport, which fits
// Pub/Sub's no-ack, no-storage delivery model exactly.
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisBus(client *redis.Client, log *logrus.Entry) *RedisBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) publish(channel string, payload []byte) {
	if payload == nil {
		return
	}
	if err := b.client.Publish(channel, string(payload)).Err(); err != nil {
		// Fire-and-forget per the bus contract: log, never propagate.
		b.log.WithError(err).WithField("channel", channel).Warn("bus publish failed")
	}
}

func (b *RedisBus) PublishShare(evt ClientShare) {
	b.publish("pool:"+evt.PoolID+":shares", mustJSON(evt))
}

func (b *RedisBus) PublishTelemetry(evt TelemetryEvent) {
	b.publish("pool:"+evt.PoolID+":telemetry", mustJSON(evt))
}

func (b *RedisBus) PublishJobBroadcast(evt JobBroadcastEvent) {
	b.publish("pool:"+evt.PoolID+":jobs", mustJSON(evt))
}
