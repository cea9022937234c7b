// Package storage provides the device-side stores used by the session layer
// behind a URI-scheme factory.
//
// Three store shapes are covered:
//
//   - SecureStore: the encrypted boundary for key material (private key,
//     device share), with mem://, file://, vault:// and s3:// backends.
//   - DocumentStore: device-local relational/document storage cleared in bulk
//     on logout.
//   - VolatileStore: browser-style local/session storage.
//
// # Storage URI Format
//
// Secure-store backends are specified using URI format:
//
//	mem://
//	file:///var/lib/wallet/secure
//	vault://vault.example.com:8200/secret/wallet?token=...
//	s3://bucket/prefix?region=us-east-1
//
// The vault backend uses KV v2; the s3 backend is intended for encrypted
// cloud backup of key material and should only ever receive sealed blobs.
package storage
