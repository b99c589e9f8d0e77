package logging

import (
	"fmt"
	"strings"
)

var secretKeys = map[string]bool{
	"api_key":        true,
	"apikey":         true,
	"authorization":  true,
	"token":          true,
	"secret":         true,
	"password":       true,
	"webhook_secret": true,
}

// RedactField masks field values whose key looks like a credential.
func RedactField(key string, value interface{}) interface{} {
	if !isSecretKey(key) {
		return value
	}
	return RedactValue(fmt.Sprint(value))
}

// RedactValue masks a credential value, keeping a short suffix for correlation.
func RedactValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "bearer ") {
		return "Bearer " + mask(trimmed[7:])
	}
	return mask(trimmed)
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	return secretKeys[lower]
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
