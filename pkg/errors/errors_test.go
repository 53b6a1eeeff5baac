package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

var errCause = stderrors.New("cause")

func TestError_format(t *testing.T) {
	err := domainError(QueueDomain, OpUpdateStatus, QueueErrUnknownTransaction, "no such id", errCause)
	require.Equal(t, "[queue.UpdateStatus] Code=QUEUE_UNKNOWN_TRANSACTION: no such id: cause", err.Error())

	err = &Error{Operation: OpSend, Original: errCause}
	require.Equal(t, "[Send] cause", err.Error())
}

func TestWrappers_doNotMutateOriginal(t *testing.T) {
	orig := NewSubmissionError(SubmissionErrNoSigner, "no signer", nil)

	wrapped := WrapWithField(WrapWithCode(orig, SubmissionErrDisabled), "k", "v")

	require.True(t, IsSubmissionError(orig, SubmissionErrNoSigner))
	require.True(t, IsSubmissionError(wrapped, SubmissionErrDisabled))
	require.Nil(t, orig.(*Error).Fields)
	require.Equal(t, "v", wrapped.(*Error).Fields["k"])
}

func TestWrap_plainError(t *testing.T) {
	err := WrapWithDomain(errCause, TransportDomain)
	require.ErrorIs(t, err, errCause)
	require.Equal(t, TransportDomain, err.(*Error).Domain)

	require.NoError(t, Wrap(nil, "x"))
	require.NoError(t, WrapWithOperation(nil, "x"))
	require.NoError(t, WithStack(nil))
}

func TestWithStack(t *testing.T) {
	err := WithStack(errCause)
	require.NotEmpty(t, err.(*Error).Stack)
	require.Same(t, err, WithStack(err))
}

func TestIsDomainError_nested(t *testing.T) {
	inner := NewTransportError(TransportErrUnknownSigner, "no key", nil)
	outer := TransportWrap(inner, OpSend, "send failed")

	require.True(t, IsTransportError(outer, TransportErrFailure))
	require.True(t, IsTransportError(outer, TransportErrUnknownSigner))
	require.False(t, IsQueueError(outer, TransportErrFailure))
	require.Equal(t, TransportErrFailure, CodeOf(outer))
	require.Empty(t, CodeOf(errCause))
}

func TestE(t *testing.T) {
	err := E("msg", "queue", "Enqueue", "CODE", errCause, map[string]interface{}{"id": 1})
	e := err.(*Error)
	require.Equal(t, "msg", e.Message)
	require.Equal(t, "queue", e.Domain)
	require.Equal(t, "Enqueue", e.Operation)
	require.Equal(t, "CODE", e.Code)
	require.ErrorIs(t, err, errCause)
	require.Equal(t, 1, e.Fields["id"])
	require.NoError(t, E())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"unknown operation": {NewBuilderError(SubmissionErrUnknownOperation, "", nil), http.StatusBadRequest},
		"in flight":         {NewSubmissionError(SubmissionErrInFlight, "", nil), http.StatusConflict},
		"unknown tx":        {NewQueueError(QueueErrUnknownTransaction, "", nil), http.StatusNotFound},
		"stopped":           {NewQueueError(QueueErrStopped, "", nil), http.StatusServiceUnavailable},
		"rate limited":      {NewAPIError(APIErrRateLimitExceeded, "", nil), http.StatusTooManyRequests},
		"plain":             {errCause, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}
