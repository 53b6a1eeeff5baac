package errors

// Storage error codes
const (
	// StorageErrConnection indicates a connection error
	StorageErrConnection = "STORAGE_CONNECTION"
	// StorageErrRead indicates a read error
	StorageErrRead = "STORAGE_READ"
	// StorageErrWrite indicates a write error
	StorageErrWrite = "STORAGE_WRITE"
	// StorageErrNotFound indicates a resource was not found
	StorageErrNotFound = "STORAGE_NOT_FOUND"
	// StorageErrSerialization indicates a serialization error
	StorageErrSerialization = "STORAGE_SERIALIZATION"
	// StorageErrDeserialization indicates a deserialization error
	StorageErrDeserialization = "STORAGE_DESERIALIZATION"
)

// Storage domain name
const StorageDomain = "storage"

// Storage operations
const (
	OpConnect     = "Connect"
	OpArchive     = "Archive"
	OpGet         = "Get"
	OpList        = "List"
	OpSerialize   = "Serialize"
	OpDeserialize = "Deserialize"
)

// NewStorageError creates a new storage error
func NewStorageError(code string, message string, err error) error {
	return domainError(StorageDomain, "", code, message, err)
}

// StorageErrorf creates a new storage error with formatted message
func StorageErrorf(code string, format string, args ...interface{}) error {
	return domainError(StorageDomain, "", code, Sprintf(format, args...), nil)
}

// StorageWrapWithCode wraps an error with storage domain and code
func StorageWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}
	return domainError(StorageDomain, operation, code, message, err)
}

// IsStorageError checks if an error is a storage error with the given code
func IsStorageError(err error, code string) bool {
	return isDomainError(err, StorageDomain, code)
}
