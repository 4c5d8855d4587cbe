package errors

// Error codes for the event bus contracts. Keep stable; used across adapters and the bus.
const (
	ErrCodeDuplicateHandler       = "eventbus.duplicate_handler"
	ErrCodeUnknownEvent           = "eventbus.unknown_event"
	ErrCodeInvalidHandlerID       = "eventbus.invalid_handler_id"
	ErrCodeHandlerTypeMismatch    = "eventbus.handler_type_mismatch"
	ErrCodeDeserializationFailed  = "eventbus.deserialization_failed"
	ErrCodeSerializationFailed    = "eventbus.serialization_failed"
	ErrCodePublishFailed          = "eventbus.publish_failed"
	ErrCodeSubscribeFailed        = "eventbus.subscribe_failed"
	ErrCodeConnectFailed          = "eventbus.connect_failed"
	ErrCodeTransportNotConfigured = "eventbus.transport_not_configured"
	ErrCodeBusClosed              = "eventbus.closed"
	ErrCodeInvalidConfig          = "eventbus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrDuplicateHandler       = Code(ErrCodeDuplicateHandler)
	ErrUnknownEvent           = Code(ErrCodeUnknownEvent)
	ErrInvalidHandlerID       = Code(ErrCodeInvalidHandlerID)
	ErrHandlerTypeMismatch    = Code(ErrCodeHandlerTypeMismatch)
	ErrDeserializationFailed  = Code(ErrCodeDeserializationFailed)
	ErrSerializationFailed    = Code(ErrCodeSerializationFailed)
	ErrPublishFailed          = Code(ErrCodePublishFailed)
	ErrSubscribeFailed        = Code(ErrCodeSubscribeFailed)
	ErrConnectFailed          = Code(ErrCodeConnectFailed)
	ErrTransportNotConfigured = Code(ErrCodeTransportNotConfigured)
	ErrBusClosed              = Code(ErrCodeBusClosed)
	ErrInvalidConfig          = Code(ErrCodeInvalidConfig)
)
