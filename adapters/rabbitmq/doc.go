/*
Package rabbitmq provides a RabbitMQ transport for the event bus.

Events are published to a durable direct exchange named after the default topic, with the
normalized event key as routing key. Each bound key gets a durable queue named
"<subscriber app>.<key>" bound to the exchange, consumed with manual acknowledgement.
The AMQP connection is re-established with backoff when the broker drops it.
*/
package rabbitmq
