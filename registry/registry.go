package registry

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
)

const shardCount = 64

// Channel represents one live client connection. The registry entry is the
// sole owning reference; everything else holds only the channel ID and
// looks the channel up on demand, so eviction can never leave a dangling
// strong reference.
type Channel struct {
	ID          string
	UserID      string
	Class       device.Class
	Transport   interfaces.Transport
	ConnectedAt time.Time
}

// RegisterOutcome reports what a registration did. Evicted lists the
// channels that were displaced because their device classes conflicted
// with the new connection; the caller is responsible for sending each a
// forced-disconnect frame and closing its transport.
type RegisterOutcome struct {
	Evicted []*Channel
}

// Replaced returns the IDs of the evicted channels.
func (o *RegisterOutcome) Replaced() []string {
	ids := make([]string, 0, len(o.Evicted))
	for _, ch := range o.Evicted {
		ids = append(ids, ch.ID)
	}
	return ids
}

type userEntry struct {
	channels map[string]*Channel // channelID -> channel
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*userEntry
}

// Registry is the per connect-node map from user to active device
// channels. Mutations for one user are serialized by that user's shard
// lock; lookups take only a read lock and return snapshots. Eviction I/O
// (kick frames, transport close) happens outside all locks.
type Registry struct {
	policy *device.ConflictPolicy
	log    *zap.Logger

	shards [shardCount]shard

	// idsMu guards ids, the channelID -> userID index used by Deregister.
	// Lock order: shard lock before idsMu, never the reverse. Mutations to
	// ids happen only while the owning shard lock is held, so the index
	// never diverges from the shard maps.
	idsMu sync.RWMutex
	ids   map[string]string
}

// New creates an empty registry using the given conflict policy.
func New(policy *device.ConflictPolicy, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		policy: policy,
		log:    log,
		ids:    make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]*userEntry)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs a channel, evicting any existing channels for the same
// user whose device classes conflict with the new one. A duplicate channel
// ID is a programmer error and panics. The returned outcome carries the
// evicted channels; the caller must kick and close them after Register
// returns, outside the registry's locks.
func (r *Registry) Register(ch *Channel) *RegisterOutcome {
	if ch == nil || ch.ID == "" || ch.UserID == "" {
		panic("registry: Register requires a channel with ID and UserID")
	}

	s := r.shardFor(ch.UserID)

	s.mu.Lock()
	r.idsMu.Lock()
	if _, dup := r.ids[ch.ID]; dup {
		r.idsMu.Unlock()
		s.mu.Unlock()
		panic(fmt.Sprintf("registry: duplicate channel id %q", ch.ID))
	}

	entry, ok := s.users[ch.UserID]
	if !ok {
		entry = &userEntry{channels: make(map[string]*Channel)}
		s.users[ch.UserID] = entry
	}

	var evicted []*Channel
	for id, old := range entry.channels {
		if r.policy.Conflicts(old.Class, ch.Class) {
			delete(entry.channels, id)
			delete(r.ids, id)
			evicted = append(evicted, old)
		}
	}
	entry.channels[ch.ID] = ch
	r.ids[ch.ID] = ch.UserID
	r.idsMu.Unlock()
	s.mu.Unlock()

	for _, old := range evicted {
		r.log.Info("channel evicted by conflicting registration",
			zap.String("user_id", ch.UserID),
			zap.String("evicted_channel_id", old.ID),
			zap.String("evicted_device_class", old.Class.String()),
			zap.String("new_channel_id", ch.ID),
			zap.String("new_device_class", ch.Class.String()))
	}
	r.log.Debug("channel registered",
		zap.String("user_id", ch.UserID),
		zap.String("channel_id", ch.ID),
		zap.String("device_class", ch.Class.String()))

	return &RegisterOutcome{Evicted: evicted}
}

// Deregister removes the channel only if a channel with exactly this ID is
// still registered. A late close notification for a channel that was
// already replaced by a newer connection is a no-op. Returns whether a
// removal occurred.
func (r *Registry) Deregister(channelID string) bool {
	r.idsMu.RLock()
	userID, ok := r.ids[channelID]
	r.idsMu.RUnlock()
	if !ok {
		r.log.Debug("stale deregistration ignored", zap.String("channel_id", channelID))
		return false
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	entry, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	_, present := entry.channels[channelID]
	if present {
		delete(entry.channels, channelID)
		if len(entry.channels) == 0 {
			delete(s.users, userID)
		}
		r.idsMu.Lock()
		delete(r.ids, channelID)
		r.idsMu.Unlock()
	}
	s.mu.Unlock()

	if !present {
		r.log.Debug("stale deregistration ignored", zap.String("channel_id", channelID))
		return false
	}

	r.log.Debug("channel deregistered",
		zap.String("user_id", userID),
		zap.String("channel_id", channelID))
	return true
}

// Lookup returns a snapshot of the user's live channels.
func (r *Registry) Lookup(userID string) []*Channel {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(entry.channels))
	for _, ch := range entry.channels {
		out = append(out, ch)
	}
	return out
}

// LookupClass returns the user's channel occupying the given device
// class's exclusivity slot, or nil if none is connected.
func (r *Registry) LookupClass(userID string, class device.Class) *Channel {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	for _, ch := range entry.channels {
		if ch.Class == class || r.policy.Conflicts(ch.Class, class) {
			return ch
		}
	}
	return nil
}

// ByID returns the channel with the given ID, or nil.
func (r *Registry) ByID(channelID string) *Channel {
	r.idsMu.RLock()
	userID, ok := r.ids[channelID]
	r.idsMu.RUnlock()
	if !ok {
		return nil
	}

	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	return entry.channels[channelID]
}

// Users returns a snapshot of all user IDs with at least one live channel.
func (r *Registry) Users() []string {
	var out []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for userID := range s.users {
			out = append(out, userID)
		}
		s.mu.RUnlock()
	}
	return out
}

// UserCount returns the number of users with at least one live channel.
func (r *Registry) UserCount() int {
	count := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		count += len(s.users)
		s.mu.RUnlock()
	}
	return count
}

// ChannelCount returns the total number of live channels.
func (r *Registry) ChannelCount() int {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	return len(r.ids)
}
