package rpc

import "fmt"

// TransportError wraps an HTTP-level failure sending the batch request.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ResponseParseError reports that the response body was not the expected
// JSON array of per-call results.
type ResponseParseError struct {
	Err error
}

func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("response parse error: %v", e.Err)
}
func (e *ResponseParseError) Unwrap() error { return e.Err }

// PerBlockError is a caller-recoverable failure scoped to a single block:
// an RPC-level error, a missing block, a parse failure on one element, or a
// missing response id. These are never retried inside the
// fetcher — only the sideline (§4.7) retries them.
type PerBlockError struct {
	Reason string
}

func (e *PerBlockError) Error() string { return e.Reason }

func perBlockErrorf(format string, args ...interface{}) error {
	return &PerBlockError{Reason: fmt.Sprintf(format, args...)}
}
