// Package notification holds the payment notification handler and the
// payment event it consumes.
package notification
