// Package api exposes the external HTTP interface for managing smart
// accounts, delegations, guardian recovery, and spending limits. Handlers
// translate JSON requests into engine calls and map domain error codes onto
// HTTP status codes so that clients can branch on machine-readable codes.
package api
