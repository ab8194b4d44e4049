// Package markup converts inline text formatting between the local forum
// dialect (double markers: **bold**, __italic__, ~~strike~~) and the remote
// chat dialect (single markers: *bold*, _italic_, ~strike~).
//
// LocalToRemote maps the full local set, degrading constructs the remote
// side lacks: underline becomes italic, spoilers become strikethrough,
// mentions and links become "name: target" text. RemoteToLocal only maps
// bold, italic and strikethrough back. The two are not inverses of each
// other; only text limited to those three markers survives a round trip.
//
// Code spans and fenced blocks are copied through untouched in both
// directions.
package markup
