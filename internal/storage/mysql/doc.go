// Package mysql provides the shared MySQL connection helper used by the
// aggregate stores. Each store owns its schema and migrates it lazily on
// construction; this package only concerns itself with pooling defaults
// and connectivity checks.
package mysql
