package fio

import "github.com/fio-reactor/fio/pubsub"

// Subscribe registers a channel subscription against the reactor's
// pub/sub fabric. filter != 0 takes priority over
// channelName and makes the subscription process-local regardless of
// publish mode; otherwise isPattern selects the pattern collection
// over the exact one.
func (r *Reactor) Subscribe(filter int32, channelName string, isPattern bool, onMessage func(*pubsub.Message), onUnsub func()) *pubsub.Subscription {
	return r.hub.Subscribe(filter, channelName, isPattern, onMessage, onUnsub)
}

// Unsubscribe cancels a subscription returned by Subscribe.
func (r *Reactor) Unsubscribe(sub *pubsub.Subscription) {
	r.hub.Unsubscribe(sub)
}

// Publish sends m according to mode (CLUSTER/SIBLINGS/
// PROCESS/ROOT).
func (r *Reactor) Publish(m *pubsub.Message, mode pubsub.Mode) {
	r.hub.Publish(m, mode)
	r.mtr.PubSubDelivered.WithLabelValues(modeLabel(mode)).Inc()
}

func modeLabel(mode pubsub.Mode) string {
	switch mode {
	case pubsub.Siblings:
		return "siblings"
	case pubsub.Process:
		return "process"
	case pubsub.Root:
		return "root"
	default:
		return "cluster"
	}
}

// MessageDefer re-queues m onto sub's dispatch task.
func (r *Reactor) MessageDefer(sub *pubsub.Subscription, m *pubsub.Message) {
	r.hub.MessageDefer(sub, m)
}
