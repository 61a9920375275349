// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package secret holds the credential cipher and environment lookups for
// values that must never be committed to configuration files.
package secret

import "os"

// GetEnv returns the value of the environment variable named by the key,
// or fallback if the variable is not present.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// EncryptionKey is the passphrase used to derive the credential cipher key.
func EncryptionKey() string {
	return GetEnv("ENCRYPTION_KEY", "")
}

// GatewayToken is the bearer token presented to the gateway HTTP API.
func GatewayToken() string {
	return GetEnv("OPENCLAW_GATEWAY_TOKEN", "")
}

// UISecret is the shared secret expected in the X-UI-Secret header.
func UISecret() string {
	return GetEnv("UI_SECRET", "")
}
