// Package database provides PostgreSQL connection pool management for the
// durable offline queue backend.
package database
