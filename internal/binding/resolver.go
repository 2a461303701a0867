// ABOUTME: Compiles ordered agent binding rules and resolves inbound messages to an agent ID
// ABOUTME: First fully matching rule wins; the compiled set is hot-swapped via an atomic pointer

package binding

import "sync/atomic"

// MatchSpec lists the patterns of a rule. A nil field places no
// constraint on that part of the message.
type MatchSpec struct {
	Channel   *string `yaml:"channel,omitempty" toml:"channel,omitempty" json:"channel,omitempty"`
	AccountID *string `yaml:"account_id,omitempty" toml:"account_id,omitempty" json:"account_id,omitempty"`
	PeerID    *string `yaml:"peer_id,omitempty" toml:"peer_id,omitempty" json:"peer_id,omitempty"`
}

// Rule routes messages matching Match to AgentID. A nil or empty Match
// matches every message.
type Rule struct {
	AgentID string     `yaml:"agent_id" toml:"agent_id" json:"agent_id"`
	Match   *MatchSpec `yaml:"match,omitempty" toml:"match,omitempty" json:"match,omitempty"`
}

// RoutingContext carries the optional account and peer of a message.
// Empty strings mean the field is absent.
type RoutingContext struct {
	AccountID string `json:"account_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
}

// Message is the part of an inbound message the resolver looks at.
type Message struct {
	ID        string          `json:"id,omitempty"`
	ChannelID string          `json:"channel_id"`
	Routing   *RoutingContext `json:"routing,omitempty"`
}

func (m Message) accountID() (string, bool) {
	if m.Routing == nil || m.Routing.AccountID == "" {
		return "", false
	}
	return m.Routing.AccountID, true
}

func (m Message) peerID() (string, bool) {
	if m.Routing == nil || m.Routing.PeerID == "" {
		return "", false
	}
	return m.Routing.PeerID, true
}

// CompiledBinding is a Rule with its patterns compiled. A nil matcher
// means the rule did not constrain that field.
type CompiledBinding struct {
	AgentID   string   `json:"agent_id"`
	Channel   *Matcher `json:"channel,omitempty"`
	AccountID *Matcher `json:"account_id,omitempty"`
	PeerID    *Matcher `json:"peer_id,omitempty"`
}

// CatchAll reports whether the binding has no matchers.
func (b CompiledBinding) CatchAll() bool {
	return b.Channel == nil && b.AccountID == nil && b.PeerID == nil
}

// Matches reports whether every matcher of the binding accepts msg. A
// matcher on a field the message lacks never matches, not even "*".
func (b CompiledBinding) Matches(msg Message) bool {
	if b.Channel != nil && (msg.ChannelID == "" || !b.Channel.Match(msg.ChannelID)) {
		return false
	}
	if b.AccountID != nil {
		v, ok := msg.accountID()
		if !ok || !b.AccountID.Match(v) {
			return false
		}
	}
	if b.PeerID != nil {
		v, ok := msg.peerID()
		if !ok || !b.PeerID.Match(v) {
			return false
		}
	}
	return true
}

// CompileBindings compiles rules, preserving their order.
func CompileBindings(rules []Rule) []CompiledBinding {
	compiled := make([]CompiledBinding, 0, len(rules))
	for _, r := range rules {
		cb := CompiledBinding{AgentID: r.AgentID}
		if r.Match != nil {
			cb.Channel = compileField(r.Match.Channel)
			cb.AccountID = compileField(r.Match.AccountID)
			cb.PeerID = compileField(r.Match.PeerID)
		}
		compiled = append(compiled, cb)
	}
	return compiled
}

func compileField(pattern *string) *Matcher {
	if pattern == nil {
		return nil
	}
	m := CompilePattern(*pattern)
	return &m
}

// Resolver maps messages to agents using an ordered, hot-swappable rule set.
type Resolver struct {
	compiled atomic.Pointer[[]CompiledBinding]
}

// NewResolver compiles rules into a ready Resolver.
func NewResolver(rules []Rule) *Resolver {
	r := &Resolver{}
	r.UpdateBindings(rules)
	return r
}

// Resolve returns the agent of the first binding that fully matches msg.
func (r *Resolver) Resolve(msg Message) (string, bool) {
	for _, b := range *r.compiled.Load() {
		if b.Matches(msg) {
			return b.AgentID, true
		}
	}
	return "", false
}

// UpdateBindings compiles rules and publishes them in one step. Resolve
// calls in flight finish against the set they started with.
func (r *Resolver) UpdateBindings(rules []Rule) {
	compiled := CompileBindings(rules)
	r.compiled.Store(&compiled)
}

// Compiled returns a deep copy of the current compiled set.
func (r *Resolver) Compiled() []CompiledBinding {
	current := *r.compiled.Load()
	out := make([]CompiledBinding, len(current))
	for i, b := range current {
		out[i] = CompiledBinding{
			AgentID:   b.AgentID,
			Channel:   cloneMatcher(b.Channel),
			AccountID: cloneMatcher(b.AccountID),
			PeerID:    cloneMatcher(b.PeerID),
		}
	}
	return out
}

func cloneMatcher(m *Matcher) *Matcher {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Pattern returns a pointer to p, for building a MatchSpec in code.
func Pattern(p string) *string { return &p }
