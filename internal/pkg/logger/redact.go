package logger

import "strings"

// RedactDeviceID masks an advertising identifier for safe logging.
// "6D92078A-8246-4BA4-AE5B-76104861E7DC" → "6D92***E7DC"
// Short or empty ids are fully masked.
func RedactDeviceID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if len(id) <= 8 {
		return "***"
	}
	return id[:4] + "***" + id[len(id)-4:]
}

// RedactToken keeps only the last four characters of a credential.
func RedactToken(token string) string {
	if len(token) <= 4 {
		return "***"
	}
	return "***" + token[len(token)-4:]
}
