package logger

// ErrorLines exposes the pretty error format for testing.
func ErrorLines(err error) string {
	return formatErrorEntries(collectErrorEntries(err))
}
