package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrDuplicateHandler, berr.ErrCodeDuplicateHandler},
		{berr.ErrUnknownEvent, berr.ErrCodeUnknownEvent},
		{berr.ErrInvalidHandlerID, berr.ErrCodeInvalidHandlerID},
		{berr.ErrHandlerTypeMismatch, berr.ErrCodeHandlerTypeMismatch},
		{berr.ErrDeserializationFailed, berr.ErrCodeDeserializationFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSubscribeFailed, berr.ErrCodeSubscribeFailed},
		{berr.ErrConnectFailed, berr.ErrCodeConnectFailed},
		{berr.ErrTransportNotConfigured, berr.ErrCodeTransportNotConfigured},
		{berr.ErrBusClosed, berr.ErrCodeBusClosed},
		{berr.ErrInvalidConfig, berr.ErrCodeInvalidConfig},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestCode_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("subscribe OrderCreated: %w", errors.Join(berr.ErrDuplicateHandler, errors.New("cause")))
	if !errors.Is(err, berr.ErrDuplicateHandler) {
		t.Fatalf("wrapped error lost its code: %v", err)
	}
}
