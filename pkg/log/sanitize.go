package log

import (
	"net/url"
	"strings"
)

// SanitizeField checks if the key contains sensitive keywords and sanitizes
// the value. Proxy URLs get their userinfo masked instead of the whole value.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	// Proxy URLs may embed credentials as userinfo; mask only those.
	if strings.Contains(lowerKey, "proxy_url") || strings.Contains(lowerKey, "proxy_addr") {
		return sanitizeProxyURL(value)
	}

	sensitiveKeywords := []string{
		"password", "passwd", "pwd",
		"secret", "auth", "authorization",
		"credential", "token",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeSecret(value)
		}
	}

	return value
}

// sanitizeSecret masks a secret showing only first and last characters.
func sanitizeSecret(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeProxyURL masks the userinfo part of a proxy URL, keeping scheme
// and host visible for debugging.
func sanitizeProxyURL(value string) string {
	u, err := url.Parse(value)
	if err != nil || u.User == nil {
		return value
	}

	masked := *u
	masked.User = url.User("***")
	return masked.String()
}
