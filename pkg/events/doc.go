/*
Package events is the distribution hub for applied ownership events.

Each Subscription owns a bounded channel. Publish walks the subscriptions
under a read lock and does a non-blocking send to each; when a buffer is
full the event is dropped for that subscription alone and counted in both
Subscription.Dropped and sequoia_dropped_update_events_total. The producer
is never stalled by a consumer.

Consumers notice a drop as a sequence discontinuity and fill it from the
history service; see package handoff.
*/
package events
