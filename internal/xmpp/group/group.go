// Package group implements client-managed group chats: the command context
// attached to outgoing group messages, the controller policy deciding
// whether partial subscriptions are acceptable, and local membership.
package group

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/storage/sqlite"
	"github.com/meszmate/beacon/internal/xmpp"
)

// NS is the namespace of the group extension
const NS = "http://kontalk.org/extensions/message#group"

// Command is a membership command carried by a group message
type Command int

const (
	// CommandNone marks an ordinary group message
	CommandNone Command = iota
	CommandCreate
	CommandPart
	CommandSetSubject
	CommandAddRemoveMembers
)

func (c Command) String() string {
	switch c {
	case CommandCreate:
		return "create"
	case CommandPart:
		return "part"
	case CommandSetSubject, CommandAddRemoveMembers:
		return "set"
	default:
		return ""
	}
}

// ErrNotMember is returned for commands on a group we are not part of
var ErrNotMember = errors.New("not a group member")

// Context describes the group a message belongs to and the command it carries
type Context struct {
	ID      string
	Owner   string
	Command Command
	Subject string
	// Members is the full member list for CommandCreate, and the current
	// list otherwise
	Members []string
	Added   []string
	Removed []string
}

// Recipients returns every member except self, deduplicated and sorted
func (c *Context) Recipients(self string) []string {
	seen := make(map[string]struct{}, len(c.Members)+len(c.Added))
	var out []string
	for _, m := range append(append([]string{}, c.Members...), c.Added...) {
		bare := bareOf(m)
		if bare == "" || bare == bareOf(self) {
			continue
		}
		if _, ok := seen[bare]; ok {
			continue
		}
		seen[bare] = struct{}{}
		out = append(out, bare)
	}
	sort.Strings(out)
	return out
}

// NSAddress is the namespace of multicast addressing (XEP-0033)
const NSAddress = "http://jabber.org/protocol/address"

// Addresses builds the multicast element listing every recipient. Group
// messages are sent once to the server's multicast service.
func Addresses(recipients []string) xmpp.Extension {
	e := xmpp.NewExtension(NSAddress, "addresses")
	var b strings.Builder
	for _, r := range recipients {
		fmt.Fprintf(&b, `<address type="to" jid="%s"/>`, escapeAttr(r))
	}
	e.Inner = b.String()
	return e
}

func bareOf(s string) string {
	j, err := jid.Parse(s)
	if err != nil {
		return ""
	}
	return j.Bare().String()
}

// Extension builds the group element for the message
func (c *Context) Extension() xmpp.Extension {
	e := xmpp.NewExtension(NS, "group", xmpp.Attr("id", c.ID), xmpp.Attr("owner", c.Owner))
	if t := c.Command.String(); t != "" {
		e.Attrs = append(e.Attrs, xmpp.Attr("type", t))
	}

	var b strings.Builder
	switch c.Command {
	case CommandCreate:
		for _, m := range c.Members {
			fmt.Fprintf(&b, `<member jid="%s"/>`, escapeAttr(m))
		}
	case CommandSetSubject:
		fmt.Fprintf(&b, `<subject>%s</subject>`, escapeAttr(c.Subject))
	case CommandAddRemoveMembers:
		for _, m := range c.Added {
			fmt.Fprintf(&b, `<add jid="%s"/>`, escapeAttr(m))
		}
		for _, m := range c.Removed {
			fmt.Fprintf(&b, `<remove jid="%s"/>`, escapeAttr(m))
		}
	}
	e.Inner = b.String()
	return e
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;", `'`, "&apos;")

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}

// Policy is the group controller's rule on subscriptions
type Policy interface {
	// PartialSubscriptionAllowed reports whether a message may go out while
	// some recipients have not authorized us
	PartialSubscriptionAllowed() bool
}

// Store persists group membership
type Store interface {
	SaveGroup(g sqlite.Group) error
	GetGroup(groupID string) (*sqlite.Group, error)
	IsGroupMember(groupID, jid string) (bool, error)
	DeleteGroup(groupID string) error
}

// Manager keeps local group state in step with the commands we send
type Manager struct {
	store Store
}

// NewManager creates a manager over store
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

type storedPolicy struct{ partial bool }

func (p storedPolicy) PartialSubscriptionAllowed() bool { return p.partial }

// Policy returns the controller policy of a group. Unknown groups, and
// groups being created, do not allow partial subscriptions.
func (m *Manager) Policy(groupID string) Policy {
	g, err := m.store.GetGroup(groupID)
	if err != nil || g == nil {
		return storedPolicy{}
	}
	return storedPolicy{partial: g.PartialAllowed}
}

// IsMember reports whether jid is a member of the group
func (m *Manager) IsMember(groupID, member string) (bool, error) {
	return m.store.IsGroupMember(groupID, bareOf(member))
}

// Resolve fills in the member list of an existing group for a plain group
// message
func (m *Manager) Resolve(c *Context) error {
	if c.Command == CommandCreate {
		return nil
	}
	g, err := m.store.GetGroup(c.ID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrNotMember
	}
	if c.Owner == "" {
		c.Owner = g.Owner
	}
	if len(c.Members) == 0 {
		c.Members = g.Members
	}
	return nil
}

// Apply records the effect of a command once the message carrying it has
// been handed to the transport
func (m *Manager) Apply(c *Context, partialAllowed bool) error {
	switch c.Command {
	case CommandCreate:
		return m.store.SaveGroup(sqlite.Group{
			ID:             c.ID,
			Owner:          c.Owner,
			Subject:        c.Subject,
			PartialAllowed: partialAllowed,
			Members:        normalize(c.Members),
		})
	case CommandPart:
		return m.store.DeleteGroup(c.ID)
	case CommandSetSubject, CommandAddRemoveMembers:
		g, err := m.store.GetGroup(c.ID)
		if err != nil {
			return err
		}
		if g == nil {
			return ErrNotMember
		}
		if c.Command == CommandSetSubject {
			g.Subject = c.Subject
		} else {
			g.Members = applyDelta(g.Members, c.Added, c.Removed)
		}
		return m.store.SaveGroup(*g)
	}
	return nil
}

func normalize(members []string) []string {
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		bare := bareOf(m)
		if bare == "" {
			continue
		}
		if _, ok := seen[bare]; ok {
			continue
		}
		seen[bare] = struct{}{}
		out = append(out, bare)
	}
	sort.Strings(out)
	return out
}

func applyDelta(members, added, removed []string) []string {
	drop := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		drop[bareOf(r)] = struct{}{}
	}
	var keep []string
	for _, m := range append(append([]string{}, members...), added...) {
		if _, ok := drop[bareOf(m)]; !ok {
			keep = append(keep, m)
		}
	}
	return normalize(keep)
}
