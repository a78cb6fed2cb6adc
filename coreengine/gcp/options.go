// Package gcp builds client options shared by the Google Cloud and Google API clients.
package gcp

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// ClientOptions returns credential options. An explicit value wins over the
// environment; a value starting with "{" is inline JSON, anything else a file path.
// With neither, the clients use application default credentials.
func ClientOptions(credentials string, extra ...option.ClientOption) []option.ClientOption {
	creds := strings.TrimSpace(credentials)
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	}
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	opts := []option.ClientOption{}
	switch {
	case creds == "":
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	default:
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return append(opts, extra...)
}

// APIKeyOptions returns options for APIs authenticated by key, falling back to
// ClientOptions when the key is empty.
func APIKeyOptions(apiKey, credentials string) []option.ClientOption {
	if strings.TrimSpace(apiKey) != "" {
		return []option.ClientOption{option.WithAPIKey(apiKey)}
	}
	return ClientOptions(credentials)
}
