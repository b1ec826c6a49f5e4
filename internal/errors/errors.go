// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (tree, protocol, session, ...)
//   - error: The specific error type within that domain
//
// These codes are stable and are sent to observers inside protocol error
// messages, so clients can handle failures programmatically. Human-readable
// messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
// These are stable identifiers that observers can rely on for error handling.
const (
	// Tree domain - node model errors
	CodeTreeUnknownNode     = "tree.unknown_node"     // A message referenced a node ID that does not exist
	CodeTreeInvalidMutation = "tree.invalid_mutation" // A mutation could not be applied

	// Protocol domain - wire codec and negotiation errors
	CodeProtocolUnsupported  = "protocol.unsupported"   // No offered subprotocol is supported
	CodeProtocolDecodeFailed = "protocol.decode_failed" // Truncated or invalid frame
	CodeProtocolEncodeFailed = "protocol.encode_failed" // Message could not be encoded
	CodeProtocolUnexpected   = "protocol.unexpected"    // Valid message in the wrong direction

	// Session domain - replication session errors
	CodeSessionClosed             = "session.closed"               // Session has been shut down
	CodeSessionConnectionNotFound = "session.connection_not_found" // Connection ID is not registered
	CodeSessionBehaviorFailed     = "session.behavior_failed"      // Event handler returned an error
	CodeSessionKeepaliveTimeout   = "session.keepalive_timeout"    // Peer stopped answering pings
	CodeSessionSendFailed         = "session.send_failed"          // Channel rejected a frame

	// Client domain - reconciler errors
	CodeClientNotConnected = "client.not_connected" // Channel is down, event dropped
	CodeClientDesync       = "client.desync"        // Diff referenced state the mirror does not hold
	CodeClientDisposed     = "client.disposed"      // Reconciler was disposed

	// Server domain - WebSocket and HTTP errors
	CodeServerUpgradeFailed    = "server.upgrade_failed"     // WebSocket upgrade failed
	CodeServerInvalidMessage   = "server.invalid_message"    // Malformed or invalid request
	CodeServerSendFailed       = "server.send_failed"        // Failed to send message
	CodeServerConnectionLost   = "server.connection_lost"    // Connection unexpectedly closed
	CodeServerRateLimited      = "server.rate_limited"       // Too many events per second
	CodeServerDocumentNotFound = "server.document_not_found" // No document with that name

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Resource not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Auth domain - bearer tokens
	CodeAuthRequired = "auth.required" // Authentication required
	CodeAuthInvalid  = "auth.invalid"  // Invalid token
	CodeAuthExpired  = "auth.expired"  // Token expired

	// Config domain
	CodeConfigInvalid    = "config.invalid"     // A setting has an invalid value
	CodeConfigLoadFailed = "config.load_failed" // Config file could not be read or parsed

	// Behavior domain - declarative event rules
	CodeBehaviorUnknownVerb = "behavior.unknown_verb" // Rule uses a verb we do not implement
	CodeBehaviorInvalidRule = "behavior.invalid_rule" // Rule could not be parsed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "storage.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to observer-facing
// error messages.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// ProtocolUnsupported creates a "protocol.unsupported" error listing what
// the peer offered.
func ProtocolUnsupported(offered []string) *CodedError {
	return New(CodeProtocolUnsupported,
		fmt.Sprintf("no supported subprotocol in [%s]", strings.Join(offered, ", ")))
}

// DecodeFailed creates a "protocol.decode_failed" error.
// The connection that produced the frame must be dropped.
func DecodeFailed(cause error) *CodedError {
	return Wrap(CodeProtocolDecodeFailed, "cannot decode frame", cause)
}

// UnknownNode creates a "tree.unknown_node" error.
func UnknownNode(id uint32) *CodedError {
	return New(CodeTreeUnknownNode, fmt.Sprintf("node %d does not exist", id))
}

// SessionClosed creates a "session.closed" error.
func SessionClosed(document string) *CodedError {
	return New(CodeSessionClosed, fmt.Sprintf("session for %s is closed", document))
}

// ConnectionNotFound creates a "session.connection_not_found" error.
func ConnectionNotFound(id uint32) *CodedError {
	return New(CodeSessionConnectionNotFound, fmt.Sprintf("connection %d is not registered", id))
}

// BehaviorFailed creates a "session.behavior_failed" error.
// The message is forwarded to observers as a system log line.
func BehaviorFailed(event string, cause error) *CodedError {
	return Wrap(CodeSessionBehaviorFailed, fmt.Sprintf("handler for %q failed", event), cause)
}

// KeepaliveTimeout creates a "session.keepalive_timeout" error.
func KeepaliveTimeout(id uint32, missed int) *CodedError {
	return New(CodeSessionKeepaliveTimeout,
		fmt.Sprintf("connection %d missed %d consecutive pongs", id, missed))
}

// Desync creates a "client.desync" error.
// The mirror is discarded and a fresh snapshot requested.
func Desync(cause error) *CodedError {
	return Wrap(CodeClientDesync, "mirror out of sync, resynchronising", cause)
}

// DocumentNotFound creates a "server.document_not_found" error.
func DocumentNotFound(name string) *CodedError {
	return New(CodeServerDocumentNotFound, fmt.Sprintf("document %q not found", name))
}

// RateLimited creates a "server.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeServerRateLimited, "too many events, slow down")
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "bearer token required")
}

// ConfigInvalid creates a "config.invalid" error.
func ConfigInvalid(field, reason string) *CodedError {
	return New(CodeConfigInvalid, fmt.Sprintf("%s: %s", field, reason))
}

// UnknownVerb creates a "behavior.unknown_verb" error.
func UnknownVerb(verb string) *CodedError {
	return New(CodeBehaviorUnknownVerb, fmt.Sprintf("unknown verb %q", verb))
}
