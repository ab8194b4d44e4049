// Package relay moves conversations between the remote chat platform and
// the local forum.
//
// Each inbound update runs through a small state machine:
//
//	ResolveIdentity -> (CreateIdentity | IdentityReady) -> Transcode ->
//	DispatchSend -> (RecordSuccess | Retry | RecoverThread | ReportFailure)
//
// A rate-limit signal suspends the handler for exactly the signalled wait
// and resends. A transient timeout sends a placeholder notice instead of the
// content. A lost local thread is recreated and rebound once; a second loss
// is reported. Every successful relay is recorded as a message pair, which
// also makes redeliveries of the same update no-ops.
//
// Platforms are reached only through the LocalPlatform and RemotePlatform
// interfaces.
package relay
