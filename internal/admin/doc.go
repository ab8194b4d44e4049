// Package admin implements the operator commands available inside local
// threads.
//
// # Commands
//
//   - /info: show the thread owner's identity and state
//   - /ban, /unban: stop or resume relaying for the thread owner
//   - /request_location [prompt]: ask the owner to share a location
//   - /settings [flag [on|off]]: list, toggle or set a feature flag
//   - /template <welcome|chat_opened> [text]: show or replace a template
//   - /help: list commands
//
// Every command answers with a reply to the command message. Commands that
// act on a user must be issued inside that user's thread; /settings and
// /template work anywhere.
package admin
