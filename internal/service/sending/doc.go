// Package sending defines the contract between the delivery worker pool and
// the message transport.
//
// A transport (SMTP relay, SES, or the dry-run sender used in development)
// implements Sender. Failures are reported as *Error values carrying a Kind
// so the pool can decide between retrying and giving up.
package sending
