/*
Package subscription tracks which handlers are registered for which event keys.

The Registry maps a canonical event key to the ordered handler registrations for it and to
the event type used to decode inbound payloads. Each registration carries an Invoker captured
when the handler was registered, so dispatch never needs to inspect types at runtime.
*/
package subscription
