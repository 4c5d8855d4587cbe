/*
Package servicebus is the provider-agnostic event bus core.

It normalizes event names, tracks handler registrations per event key, and dispatches inbound
messages to the registered handlers. Concrete brokers plug in through the Transport interface
and deliver inbound messages back through Inbound.
*/
package servicebus
