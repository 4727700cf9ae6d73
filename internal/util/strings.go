// Package util provides common utility functions used across the relay.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging correlation keys, where only a prefix should
// be shown: the state parameter is a credential-adjacent value and full
// values do not belong in logs.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
