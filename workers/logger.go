package workers

import "mls_sync/models"

// LogFunc records a worker event in the import_logs table. listingKey may
// be empty.
type LogFunc func(level models.LogLevel, message, listingKey string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, message, listingKey string) {}
