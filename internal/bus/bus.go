// Package bus is the in-process message bus connecting agents: per-team
// group chat, pairwise DM channels, the singleton lead channel and
// append-only shared artifacts. Readers keep per-channel cursors; a reader
// never receives their own messages. Wait blocks until unread work arrives,
// the team dissolves or a timeout elapses.
package bus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/logging"
)

// Message is one bus entry. Channels keep a single total order by append
// time; concurrent appends are serialized by the bus lock.
type Message struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	Role   string    `json:"role"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

func newMessage(from, role, text string) Message {
	return Message{
		ID:     uuid.NewString(),
		From:   from,
		Role:   role,
		Text:   text,
		SentAt: time.Now(),
	}
}

// Artifact is one shared reference posted to a team's artifact log.
type Artifact struct {
	From     string    `json:"from"`
	Text     string    `json:"text"`
	SharedAt time.Time `json:"sharedAt"`
}

// WaitResult reports why a Wait returned and the unread counts at that
// moment. LeadChat is always zero for non-leads.
type WaitResult struct {
	TimedOut  bool `json:"timedOut"`
	Dissolved bool `json:"dissolved"`
	GroupChat int  `json:"groupChat"`
	DMs       int  `json:"dms"`
	LeadChat  int  `json:"leadChat"`
}

func (r WaitResult) anyUnread() bool {
	return r.GroupChat > 0 || r.DMs > 0 || r.LeadChat > 0
}

const (
	// Wait timeout bounds.
	minWait     = 1 * time.Second
	maxWait     = 60 * time.Second
	defaultWait = 30 * time.Second
)

type channel struct {
	msgs    []Message
	cursors map[string]int
}

func newChannel() *channel {
	return &channel{cursors: make(map[string]int)}
}

// unread returns how many messages the reader has not consumed yet,
// excluding the reader's own posts.
func (c *channel) unread(reader string) int {
	n := 0
	for _, m := range c.msgs[c.cursors[reader]:] {
		if m.From != reader {
			n++
		}
	}
	return n
}

// drain returns the reader's unread messages (own posts excluded) and
// advances the reader's cursor to the end of the channel.
func (c *channel) drain(reader string) []Message {
	var out []Message
	for _, m := range c.msgs[c.cursors[reader]:] {
		if m.From != reader {
			out = append(out, m)
		}
	}
	c.cursors[reader] = len(c.msgs)
	return out
}

type observer struct {
	teamID    string
	agentID   string
	isLead    bool
	wake      chan struct{}
	dissolved chan struct{}
	dissolve  sync.Once
}

func (o *observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// markDissolved closes the dissolved channel at most once. Overlapping
// dissolves (operator dissolve_team racing a mission teardown) can both
// collect the same registered waiter.
func (o *observer) markDissolved() {
	o.dissolve.Do(func() { close(o.dissolved) })
}

// Bus holds every channel behind one coarse lock.
type Bus struct {
	mu        sync.Mutex
	groups    map[string]*channel // keyed by team id
	dms       map[string]*channel // keyed by canonical pair key
	lead      *channel
	artifacts map[string][]Artifact
	observers map[*observer]struct{}
	logger    logging.Logger
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		groups:    make(map[string]*channel),
		dms:       make(map[string]*channel),
		lead:      newChannel(),
		artifacts: make(map[string][]Artifact),
		observers: make(map[*observer]struct{}),
		logger:    logging.OrNop(logger),
	}
}

// dmKey canonicalizes the unordered pair {a, b}.
func dmKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func dmEndpoints(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	return parts[0], parts[1]
}

// GroupPost appends to the team's group channel.
func (b *Bus) GroupPost(teamID, from, role, text string) {
	b.mu.Lock()
	ch, ok := b.groups[teamID]
	if !ok {
		ch = newChannel()
		b.groups[teamID] = ch
	}
	ch.msgs = append(ch.msgs, newMessage(from, role, text))
	woken := b.collectGroupObservers(teamID, from)
	b.mu.Unlock()

	for _, o := range woken {
		o.signal()
	}
}

// GroupRead returns the caller's unread group messages and advances the
// caller's cursor. The caller's own posts are never returned.
func (b *Bus) GroupRead(teamID, from string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.groups[teamID]
	if !ok {
		return nil
	}
	return ch.drain(from)
}

// GroupPeek counts the caller's unread group messages without consuming.
func (b *Bus) GroupPeek(teamID, from string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.groups[teamID]
	if !ok {
		return 0
	}
	return ch.unread(from)
}

// DMSend appends to the channel for the unordered pair {from, to}.
func (b *Bus) DMSend(from, to, role, text string) {
	key := dmKey(from, to)

	b.mu.Lock()
	ch, ok := b.dms[key]
	if !ok {
		ch = newChannel()
		b.dms[key] = ch
	}
	ch.msgs = append(ch.msgs, newMessage(from, role, text))
	woken := b.collectDMObservers(to)
	b.mu.Unlock()

	for _, o := range woken {
		o.signal()
	}
}

// DMRead returns the receiver's unread DMs. With from set, only that
// sender's shared channel is read and advanced; otherwise every channel the
// receiver participates in is drained and the result is merged by timestamp
// ascending (ties stay in channel order).
func (b *Bus) DMRead(receiver, from string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from != "" {
		ch, ok := b.dms[dmKey(receiver, from)]
		if !ok {
			return nil
		}
		return ch.drain(receiver)
	}

	keys := b.dmKeysOf(receiver)
	var merged []Message
	for _, key := range keys {
		merged = append(merged, b.dms[key].drain(receiver)...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SentAt.Before(merged[j].SentAt)
	})
	return merged
}

// DMPeek sums the receiver's unread counts across all their DM channels.
func (b *Bus) DMPeek(receiver string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dmUnreadLocked(receiver)
}

// LeadPost appends to the singleton lead channel, prefixing the text with
// the posting lead's team name.
func (b *Bus) LeadPost(from, role, teamName, text string) {
	b.mu.Lock()
	b.lead.msgs = append(b.lead.msgs, newMessage(from, role, "["+teamName+"] "+text))
	woken := b.collectLeadObservers(from)
	b.mu.Unlock()

	for _, o := range woken {
		o.signal()
	}
}

// LeadRead drains the caller's unread lead-channel messages.
func (b *Bus) LeadRead(from string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lead.drain(from)
}

// LeadPeek counts the caller's unread lead-channel messages.
func (b *Bus) LeadPeek(from string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lead.unread(from)
}

// LeadMessagesFrom returns every lead-channel message authored by one of
// the given agents, without touching cursors. Used for terminal snapshots.
func (b *Bus) LeadMessagesFrom(agentIDs []string) []Message {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.lead.msgs {
		if members[m.From] {
			out = append(out, m)
		}
	}
	return out
}

// Share appends a shared artifact to the team's log.
func (b *Bus) Share(teamID, from, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[teamID] = append(b.artifacts[teamID], Artifact{From: from, Text: text, SharedAt: time.Now()})
}

// GetShared returns a snapshot of the team's full artifact log.
func (b *Bus) GetShared(teamID string) []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Artifact(nil), b.artifacts[teamID]...)
}

// GroupMessages returns the full group channel without touching cursors.
func (b *Bus) GroupMessages(teamID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.groups[teamID]
	if !ok {
		return nil
	}
	return append([]Message(nil), ch.msgs...)
}

// DMTranscripts returns every DM channel touching one of the given agents,
// keyed by canonical pair key, without touching cursors.
func (b *Bus) DMTranscripts(agentIDs []string) map[string][]Message {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]Message)
	for key, ch := range b.dms {
		a, bb := dmEndpoints(key)
		if members[a] || members[bb] {
			out[key] = append([]Message(nil), ch.msgs...)
		}
	}
	return out
}

// Wait blocks until the agent has unread messages, the team dissolves or
// the timeout elapses. Timeouts are clamped to [1s, 60s]; zero means 30s.
// A canceled context returns the current counts with neither flag set.
func (b *Bus) Wait(ctx context.Context, teamID, agentID string, isLead bool, timeout time.Duration) WaitResult {
	if timeout <= 0 {
		timeout = defaultWait
	} else if timeout < minWait {
		timeout = minWait
	} else if timeout > maxWait {
		timeout = maxWait
	}

	obs := &observer{
		teamID:    teamID,
		agentID:   agentID,
		isLead:    isLead,
		wake:      make(chan struct{}, 1),
		dissolved: make(chan struct{}),
	}
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.observers, obs)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		counts := b.unreadCounts(teamID, agentID, isLead)
		if counts.anyUnread() {
			return counts
		}
		select {
		case <-obs.wake:
		case <-obs.dissolved:
			counts = b.unreadCounts(teamID, agentID, isLead)
			counts.Dissolved = true
			return counts
		case <-timer.C:
			counts.TimedOut = true
			return counts
		case <-ctx.Done():
			return counts
		}
	}
}

// DissolveTeam removes the team's group channel and artifacts, removes any
// DM channel touching a member, clears member cursors on the lead channel
// and wakes every wait pinned to the team or one of its members.
func (b *Bus) DissolveTeam(teamID string, agentIDs []string) {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	delete(b.groups, teamID)
	delete(b.artifacts, teamID)
	for key := range b.dms {
		a, bb := dmEndpoints(key)
		if members[a] || members[bb] {
			delete(b.dms, key)
		}
	}
	for _, id := range agentIDs {
		delete(b.lead.cursors, id)
	}
	var woken []*observer
	for o := range b.observers {
		if o.teamID == teamID || members[o.agentID] {
			woken = append(woken, o)
		}
	}
	b.mu.Unlock()

	for _, o := range woken {
		o.markDissolved()
	}
	b.logger.Info("dissolved bus channels for team %s (%d members)", teamID, len(agentIDs))
}

func (b *Bus) unreadCounts(teamID, agentID string, isLead bool) WaitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out WaitResult
	if ch, ok := b.groups[teamID]; ok {
		out.GroupChat = ch.unread(agentID)
	}
	out.DMs = b.dmUnreadLocked(agentID)
	if isLead {
		out.LeadChat = b.lead.unread(agentID)
	}
	return out
}

func (b *Bus) dmUnreadLocked(receiver string) int {
	n := 0
	for _, key := range b.dmKeysOf(receiver) {
		n += b.dms[key].unread(receiver)
	}
	return n
}

// dmKeysOf returns the receiver's channel keys in deterministic order so
// merged reads break timestamp ties stably.
func (b *Bus) dmKeysOf(receiver string) []string {
	var keys []string
	for key := range b.dms {
		a, bb := dmEndpoints(key)
		if a == receiver || bb == receiver {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *Bus) collectGroupObservers(teamID, author string) []*observer {
	var out []*observer
	for o := range b.observers {
		if o.teamID == teamID && o.agentID != author {
			out = append(out, o)
		}
	}
	return out
}

func (b *Bus) collectDMObservers(recipient string) []*observer {
	var out []*observer
	for o := range b.observers {
		if o.agentID == recipient {
			out = append(out, o)
		}
	}
	return out
}

func (b *Bus) collectLeadObservers(author string) []*observer {
	var out []*observer
	for o := range b.observers {
		if o.isLead && o.agentID != author {
			out = append(out, o)
		}
	}
	return out
}
