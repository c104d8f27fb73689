package backplane

import "context"

// NodeRef identifies one process instance in the cluster. Node is a fresh
// unique ID per process start; Address and Port locate its node listener.
type NodeRef struct {
	Address string `bson:"address" json:"address"`
	Port    int    `bson:"port" json:"port"`
	Node    string `bson:"node" json:"node"`
}

// LiveEntry records one (client, node) liveness fact inside a presence
// record: the named client has at least one connection on that node.
type LiveEntry struct {
	Client  string `bson:"client" json:"client"`
	Address string `bson:"address" json:"address"`
	Port    int    `bson:"port" json:"port"`
	Node    string `bson:"node" json:"node"`
}

// LinkEntry is a link reference embedded in a presence record. Each party of
// a link carries one, pointing at the counterparty.
type LinkEntry struct {
	Client    string `bson:"client,omitempty" json:"client,omitempty"`
	TgtUser   string `bson:"tgtUser" json:"tgtUser"`
	TgtClient string `bson:"tgtClient,omitempty" json:"tgtClient,omitempty"`
	Token     string `bson:"token" json:"token"`
}

// PresenceRecord is the per-user liveness document. Count tracks the user's
// total connections across all nodes; Live and Link are subdocument arrays
// mutated only through atomic push/pull/inc operations.
type PresenceRecord struct {
	Domain string      `bson:"domain,omitempty"`
	User   string      `bson:"user"`
	Count  int         `bson:"count"`
	Live   []LiveEntry `bson:"live"`
	Link   []LinkEntry `bson:"link"`
}

// PresencePrior is the projection of a presence record as it stood before a
// SetLive mutation. Notification decisions are made from this snapshot, never
// from a separate read, so concurrent transitions on other nodes cannot
// produce duplicate or missing notifications.
type PresencePrior struct {
	// Count is the user's connection count before the mutation.
	Count int

	// ClientElsewhere reports whether another node held a live entry for the
	// same client at mutation time.
	ClientElsewhere bool

	// Link holds the record's link entries at mutation time.
	Link []LinkEntry
}

// PresenceStore is the shared per-user liveness store. All mutations are
// single atomic document updates.
type PresenceStore interface {
	// SetLive records or removes one (client, node) liveness fact and
	// adjusts the user's connection count, upserting the record when absent.
	// It returns the prior state of the record, or nil when no record
	// existed before the call.
	SetLive(ctx context.Context, domain, user string, entry LiveEntry, online bool) (*PresencePrior, error)

	// ZeroUser atomically clears the user's count, live entries, and link
	// entries, returning the record as it stood before. Returns
	// ErrUserNotFound when the user has no presence record.
	ZeroUser(ctx context.Context, domain, user string) (*PresenceRecord, error)

	// LiveHosts returns the live entries for a user, narrowed to one client
	// when client is non-empty.
	LiveHosts(ctx context.Context, domain, user, client string) ([]LiveEntry, error)

	// IsActive reports whether the user (or one of its clients) has at
	// least one live connection anywhere in the cluster.
	IsActive(ctx context.Context, domain, user, client string) (bool, error)

	// LinkEntries returns the user's link entries.
	LinkEntries(ctx context.Context, domain, user string) ([]LinkEntry, error)

	// ClaimLinkEntry pushes a link entry unless one already exists for the
	// same (client, tgtUser, tgtClient) triple. The guard and the push are
	// one atomic operation; exactly one of two concurrent claimants wins.
	// Returns false when a matching entry was already present.
	ClaimLinkEntry(ctx context.Context, domain, user string, e LinkEntry) (bool, error)

	// FindLinkEntry returns the link entry matching the triple, if any.
	FindLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) (LinkEntry, bool, error)

	// PushLinkEntry unconditionally pushes a link entry, upserting the
	// presence record when absent. Used for the passive party of a link.
	PushLinkEntry(ctx context.Context, domain, user string, e LinkEntry) error

	// PullLinkEntry removes the user's link entries matching the
	// (client, tgtUser, tgtClient) triple.
	PullLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) error

	// SweepNode removes every live entry left behind by a dead node,
	// decrementing counts accordingly.
	SweepNode(ctx context.Context, nodeID string) error
}

// LinkParty identifies one side of a link. Query carries the opaque
// application payload presented when the party joined.
type LinkParty struct {
	Domain string         `bson:"domain,omitempty" json:"domain,omitempty"`
	User   string         `bson:"user" json:"user"`
	Client string         `bson:"client,omitempty" json:"client,omitempty"`
	Query  map[string]any `bson:"query,omitempty" json:"query,omitempty"`
}

// LinkRecord is the shared document describing one signaling link between
// two parties. Init is a bounded ring of connection IDs whose init handshake
// has already been shipped.
type LinkRecord struct {
	Token  string       `bson:"_id"`
	Party  [2]LinkParty `bson:"party"`
	Closed bool         `bson:"closed"`
	Init   []string     `bson:"init"`
}

// initRingSize bounds the init ring on link records.
const initRingSize = 30

// LinkStore is the shared store of link records.
type LinkStore interface {
	// Create inserts a fresh open link record.
	Create(ctx context.Context, rec LinkRecord) error

	// GetOpen returns the link record for token. Returns ErrLinkNotFound
	// when the token is unknown or the link is closed.
	GetOpen(ctx context.Context, token string) (LinkRecord, error)

	// MarkInit atomically adds sid to the link's init ring unless it is
	// already present or the link is closed. Returns the record as it stood
	// before the push and whether this call won the push; exactly one of
	// two concurrent callers does.
	MarkInit(ctx context.Context, token, sid string) (LinkRecord, bool, error)

	// Reopen clears the closed flag on an existing link.
	Reopen(ctx context.Context, token string) error

	// Close marks the link closed.
	Close(ctx context.Context, token string) error

	// CloseMany marks every listed link closed.
	CloseMany(ctx context.Context, tokens []string) error
}

// HostStore tracks which node ID currently owns each (address, port) slot.
type HostStore interface {
	// Claim registers nodeID as the owner of the slot and returns the
	// previous owner's node ID, or "" when the slot was unclaimed. The swap
	// is atomic so two nodes racing for one slot cannot both see "".
	Claim(ctx context.Context, address string, port int, nodeID string) (string, error)
}
