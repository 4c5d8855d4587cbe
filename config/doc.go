// Package config holds the event bus configuration and loads it from YAML, JSON, or the
// environment.
//
// Defaults mirror a typical single-broker deployment:
//
//	connectionRetryCount: 5
//	defaultTopicName: scgEventBus
//	eventNameSuffix: IntegrationEvent
//	busType: RabbitMQ
//	trimMode: charset
//	connectTimeout: 10s
//	prefetchCount: 1
package config
