package backplane

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryPresence is the PresenceStore used in tests and store-less dev
// runs. It mirrors the mongo store's semantics, in particular that every
// mutation observes and returns the prior record state atomically.
type InMemoryPresence struct {
	mu   sync.Mutex
	recs map[string]*PresenceRecord // key: domain + "\x00" + user
}

// NewInMemoryPresence constructs an empty in-memory presence store.
func NewInMemoryPresence() *InMemoryPresence {
	return &InMemoryPresence{recs: make(map[string]*PresenceRecord)}
}

func presenceKey(domain, user string) string { return domain + "\x00" + user }

func (s *InMemoryPresence) SetLive(ctx context.Context, domain, user string, entry LiveEntry, online bool) (*PresencePrior, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		if !online {
			return nil, nil
		}
		s.recs[presenceKey(domain, user)] = &PresenceRecord{
			Domain: domain,
			User:   user,
			Count:  1,
			Live:   []LiveEntry{entry},
		}
		return nil, nil
	}

	prior := &PresencePrior{
		Count: rec.Count,
		Link:  append([]LinkEntry(nil), rec.Link...),
	}
	for _, e := range rec.Live {
		if e.Client == entry.Client && e.Node != entry.Node {
			prior.ClientElsewhere = true
			break
		}
	}

	if online {
		rec.Count++
		rec.Live = append(rec.Live, entry)
	} else {
		rec.Count--
		kept := rec.Live[:0]
		for _, e := range rec.Live {
			if e.Client == entry.Client && e.Node == entry.Node {
				continue
			}
			kept = append(kept, e)
		}
		rec.Live = kept
	}
	return prior, nil
}

func (s *InMemoryPresence) ZeroUser(ctx context.Context, domain, user string) (*PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return nil, ErrUserNotFound
	}

	prior := &PresenceRecord{
		Domain: rec.Domain,
		User:   rec.User,
		Count:  rec.Count,
		Live:   append([]LiveEntry(nil), rec.Live...),
		Link:   append([]LinkEntry(nil), rec.Link...),
	}
	rec.Count = 0
	rec.Live = nil
	rec.Link = nil
	return prior, nil
}

func (s *InMemoryPresence) LiveHosts(ctx context.Context, domain, user, client string) ([]LiveEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return nil, nil
	}

	var out []LiveEntry
	for _, e := range rec.Live {
		if client == "" || e.Client == client {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryPresence) IsActive(ctx context.Context, domain, user, client string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return false, nil
	}
	if client == "" {
		return len(rec.Live) > 0, nil
	}
	for _, e := range rec.Live {
		if e.Client == client {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryPresence) LinkEntries(ctx context.Context, domain, user string) ([]LinkEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return nil, nil
	}
	return append([]LinkEntry(nil), rec.Link...), nil
}

func (s *InMemoryPresence) ClaimLinkEntry(ctx context.Context, domain, user string, e LinkEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// No upsert here: an initiator without a presence record cannot claim.
	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return false, nil
	}
	for _, cur := range rec.Link {
		if cur.Client == e.Client && cur.TgtUser == e.TgtUser && cur.TgtClient == e.TgtClient {
			return false, nil
		}
	}
	rec.Link = append(rec.Link, e)
	return true, nil
}

func (s *InMemoryPresence) FindLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) (LinkEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return LinkEntry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return LinkEntry{}, false, nil
	}
	for _, cur := range rec.Link {
		if cur.Client == client && cur.TgtUser == tgtUser && cur.TgtClient == tgtClient {
			return cur, true, nil
		}
	}
	return LinkEntry{}, false, nil
}

func (s *InMemoryPresence) PushLinkEntry(ctx context.Context, domain, user string, e LinkEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		rec = &PresenceRecord{Domain: domain, User: user}
		s.recs[presenceKey(domain, user)] = rec
	}
	rec.Link = append(rec.Link, e)
	return nil
}

func (s *InMemoryPresence) PullLinkEntry(ctx context.Context, domain, user, client, tgtUser, tgtClient string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return nil
	}
	kept := rec.Link[:0]
	for _, cur := range rec.Link {
		if cur.Client == client && cur.TgtUser == tgtUser && cur.TgtClient == tgtClient {
			continue
		}
		kept = append(kept, cur)
	}
	rec.Link = kept
	return nil
}

func (s *InMemoryPresence) SweepNode(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.recs {
		kept := rec.Live[:0]
		for _, e := range rec.Live {
			if e.Node == nodeID {
				rec.Count--
				continue
			}
			kept = append(kept, e)
		}
		rec.Live = kept
	}
	return nil
}

// record returns a copy of a user's presence record, for tests.
func (s *InMemoryPresence) record(domain, user string) (PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[presenceKey(domain, user)]
	if !ok {
		return PresenceRecord{}, false
	}
	out := *rec
	out.Live = append([]LiveEntry(nil), rec.Live...)
	out.Link = append([]LinkEntry(nil), rec.Link...)
	return out, true
}

// InMemoryLinks is the LinkStore used in tests and store-less dev runs.
type InMemoryLinks struct {
	mu   sync.Mutex
	recs map[string]LinkRecord
}

// NewInMemoryLinks constructs an empty in-memory link store.
func NewInMemoryLinks() *InMemoryLinks {
	return &InMemoryLinks{recs: make(map[string]LinkRecord)}
}

func (s *InMemoryLinks) Create(ctx context.Context, rec LinkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recs[rec.Token]; exists {
		return fmt.Errorf("link %s already exists", rec.Token)
	}
	s.recs[rec.Token] = rec
	return nil
}

func (s *InMemoryLinks) GetOpen(ctx context.Context, token string) (LinkRecord, error) {
	if err := ctx.Err(); err != nil {
		return LinkRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[token]
	if !ok || rec.Closed {
		return LinkRecord{}, ErrLinkNotFound
	}
	rec.Init = append([]string(nil), rec.Init...)
	return rec, nil
}

func (s *InMemoryLinks) MarkInit(ctx context.Context, token, sid string) (LinkRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LinkRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[token]
	if !ok || rec.Closed {
		return LinkRecord{}, false, nil
	}
	for _, cur := range rec.Init {
		if cur == sid {
			return LinkRecord{}, false, nil
		}
	}

	prior := rec
	prior.Init = append([]string(nil), rec.Init...)

	ring := append(append([]string(nil), rec.Init...), sid)
	if len(ring) > initRingSize {
		ring = ring[len(ring)-initRingSize:]
	}
	rec.Init = ring
	s.recs[token] = rec
	return prior, true, nil
}

func (s *InMemoryLinks) Reopen(ctx context.Context, token string) error {
	return s.setClosed(ctx, token, false)
}

func (s *InMemoryLinks) Close(ctx context.Context, token string) error {
	return s.setClosed(ctx, token, true)
}

func (s *InMemoryLinks) CloseMany(ctx context.Context, tokens []string) error {
	for _, token := range tokens {
		if err := s.setClosed(ctx, token, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryLinks) setClosed(ctx context.Context, token string, closed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[token]
	if !ok {
		return nil
	}
	rec.Closed = closed
	s.recs[token] = rec
	return nil
}

// InMemoryHosts is the HostStore used in tests and store-less dev runs.
type InMemoryHosts struct {
	mu    sync.Mutex
	slots map[string]string // key: address:port
}

// NewInMemoryHosts constructs an empty in-memory host store.
func NewInMemoryHosts() *InMemoryHosts {
	return &InMemoryHosts{slots: make(map[string]string)}
}

func (s *InMemoryHosts) Claim(ctx context.Context, address string, port int, nodeID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s:%d", address, port)
	prev := s.slots[key]
	s.slots[key] = nodeID
	return prev, nil
}
