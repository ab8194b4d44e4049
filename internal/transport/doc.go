// Package transport connects the relay engine to platform adapter sidecars
// over HTTP.
//
// # Ingress
//
// Adapters push updates as JSON envelopes:
//
//	POST /events/remote   updates from the remote chat platform
//	POST /events/local    updates from the local forum group
//	GET  /health          liveness probe
//
// Each envelope has a "type" (text, media, location, contact, reaction,
// status, service, conversation_opened, unsupported) and the fields for that
// variant. Media envelopes carry a download URL instead of the bytes; the
// bytes are fetched from the adapter only when the engine relays the message.
//
// # Client
//
// Client implements both relay.LocalPlatform and relay.RemotePlatform
// against an adapter's HTTP API. Adapter responses are mapped onto the
// relay failure taxonomy:
//
//	429 + Retry-After          RateLimited
//	404, 410                   TargetGone
//	413, 415                   Rejected
//	408, 5xx, timeouts         Transient
//	other 4xx                  Permanent
package transport
