package errors

// Submission error codes
const (
	// SubmissionErrUnknownOperation indicates the operation name is not in the builder registry
	SubmissionErrUnknownOperation = "SUBMISSION_UNKNOWN_OPERATION"
	// SubmissionErrInvalidArguments indicates the builder rejected the call arguments
	SubmissionErrInvalidArguments = "SUBMISSION_INVALID_ARGUMENTS"
	// SubmissionErrNoSigner indicates no signer identity was given
	SubmissionErrNoSigner = "SUBMISSION_NO_SIGNER"
	// SubmissionErrInFlight indicates the controller already has a submission in flight
	SubmissionErrInFlight = "SUBMISSION_IN_FLIGHT"
	// SubmissionErrDisposed indicates the controller was disposed
	SubmissionErrDisposed = "SUBMISSION_DISPOSED"
	// SubmissionErrDisabled indicates the controller trigger is disabled
	SubmissionErrDisabled = "SUBMISSION_DISABLED"
	// SubmissionErrNoSource indicates neither an extrinsic nor an operation was given
	SubmissionErrNoSource = "SUBMISSION_NO_SOURCE"
)

// Queue error codes
const (
	// QueueErrUnknownTransaction indicates a status update for an id the queue does not hold
	QueueErrUnknownTransaction = "QUEUE_UNKNOWN_TRANSACTION"
	// QueueErrStaleCallback indicates a settlement callback for a disposed or superseded owner
	QueueErrStaleCallback = "QUEUE_STALE_CALLBACK"
	// QueueErrStopped indicates the queue event loop is not running
	QueueErrStopped = "QUEUE_STOPPED"
	// QueueErrInvalidRequest indicates an enqueued request missing its account or payload
	QueueErrInvalidRequest = "QUEUE_INVALID_REQUEST"
)

// Transport error codes
const (
	// TransportErrFailure indicates the transport could not deliver a submission
	TransportErrFailure = "TRANSPORT_FAILURE"
	// TransportErrUnknownSigner indicates the keyring holds no key for the signer
	TransportErrUnknownSigner = "TRANSPORT_UNKNOWN_SIGNER"
	// TransportErrKafkaConnection indicates a Kafka connection error
	TransportErrKafkaConnection = "TRANSPORT_KAFKA_CONNECTION"
	// TransportErrKafkaOperation indicates a Kafka produce or consume error
	TransportErrKafkaOperation = "TRANSPORT_KAFKA_OPERATION"
	// TransportErrMalformedStatus indicates an undecodable status message
	TransportErrMalformedStatus = "TRANSPORT_MALFORMED_STATUS"
)

// Domain names
const (
	SubmissionDomain = "submission"
	QueueDomain      = "queue"
	TransportDomain  = "transport"
)

// Operations
const (
	OpSubmit       = "Submit"
	OpResolve      = "Resolve"
	OpEnqueue      = "Enqueue"
	OpUpdateStatus = "UpdateStatus"
	OpSettle       = "Settle"
	OpSend         = "Send"
	OpSign         = "Sign"
	OpConsume      = "Consume"
)

// NewSubmissionError creates a new submission error
func NewSubmissionError(code string, message string, err error) error {
	return domainError(SubmissionDomain, OpSubmit, code, message, err)
}

// NewBuilderError creates a submission error raised while resolving an operation
func NewBuilderError(code string, message string, err error) error {
	return domainError(SubmissionDomain, OpResolve, code, message, err)
}

// IsSubmissionError checks if an error is a submission error with the given code
func IsSubmissionError(err error, code string) bool {
	return isDomainError(err, SubmissionDomain, code)
}

// NewQueueError creates a new queue error
func NewQueueError(code string, message string, err error) error {
	return domainError(QueueDomain, "", code, message, err)
}

// QueueErrorf creates a new queue error with formatted message
func QueueErrorf(code string, format string, args ...interface{}) error {
	return domainError(QueueDomain, "", code, Sprintf(format, args...), nil)
}

// IsQueueError checks if an error is a queue error with the given code
func IsQueueError(err error, code string) bool {
	return isDomainError(err, QueueDomain, code)
}

// NewTransportError creates a new transport error
func NewTransportError(code string, message string, err error) error {
	return domainError(TransportDomain, OpSend, code, message, err)
}

// TransportWrap wraps an error with transport domain
func TransportWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}
	return domainError(TransportDomain, operation, TransportErrFailure, message, err)
}

// TransportWrapWithCode wraps an error with transport domain and code
func TransportWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}
	return domainError(TransportDomain, operation, code, message, err)
}

// IsTransportError checks if an error is a transport error with the given code
func IsTransportError(err error, code string) bool {
	return isDomainError(err, TransportDomain, code)
}
