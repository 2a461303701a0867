// Package binding decides which agent handles an inbound message.
//
// A Rule names an agent and up to three patterns, matched against the
// message's channel, account and peer. Patterns are a restricted glob:
//
//	"*"          matches anything
//	"slack-*"    prefix match
//	"*-personal" suffix match
//	"general"    exact match
//
// There is no other wildcard syntax. Rules are evaluated in the order
// given and the first rule whose every pattern matches wins, so specific
// rules must be listed before broad ones. A rule with no patterns at all
// is a catch-all; put it last to act as the default route.
//
// The Resolver compiles rules once and swaps in a new compiled set
// atomically on UpdateBindings, so readers never observe a partial reload.
package binding
