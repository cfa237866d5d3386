// Package eventhub delivers conversation events to every SSE stream watching
// them, across all service instances.
//
// # Layers
//
//   - Registry: in-process topic key -> subscribers, reporting first/last
//     transitions. LocalBroadcast snapshots subscribers and isolates failures.
//   - Hub: wraps a Registry and a Transport. Broadcast delivers locally in call
//     order, then queues an envelope {id, origin, ts, topic, event, data} for
//     other instances. Inbound envelopes from this instance, or already seen,
//     are dropped.
//   - lifecycle: per-topic upstream state machine
//     (unsubscribed -> subscribing -> subscribed -> unsubscribing), driven by
//     one reconcile goroutine per topic so racing subscribers share one attempt.
//
// # Transports
//
//   - RedisTransport: PUBLISH/SUBSCRIBE. Push delivery, no ordering between
//     publishers, messages lost while disconnected.
//   - LogTransport: append-only hub_events table polled by each instance.
//     Total order, latency bounded by the poll interval.
//   - MemoryBus: single process only.
//
// A Hub cannot be built without a Transport.
//
// # Usage
//
//	convs, err := eventhub.NewConversationEvents(eventhub.Config{Transport: t, InstanceID: id})
//	unsubscribe := convs.Subscribe(ctx, tenantID, conversationID, sseSubscriber)
//	defer unsubscribe()
//	convs.Broadcast(ctx, tenantID, conversationID, eventhub.EventPathMerged, result)
package eventhub
