// Package logger builds the application's structured logger on top of
// log/slog: JSON in production, text elsewhere, with the service and
// environment attached to every record.
package logger
