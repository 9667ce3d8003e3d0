// Package esp implements sending.Sender for the supported transports: an
// SMTP relay, Amazon SES, and a dry-run sender for development.
//
// Each transport maps its own failure signals onto sending.Error so the
// worker pool can tell a retryable hiccup from a hard rejection.
package esp
