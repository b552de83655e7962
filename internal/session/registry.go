package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/tts"
)

// Registry maps guild ids to their sessions. Creation is compare-and-create
// under the registry lock, so concurrent first events for a guild converge on
// a single session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	load   func(ctx context.Context, guildID string) tts.VoiceParams
	create func(guildID string, params tts.VoiceParams) *Session
}

func newRegistry(load func(context.Context, string) tts.VoiceParams, create func(string, tts.VoiceParams) *Session) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		load:     load,
		create:   create,
	}
}

// Get returns the live session for guildID, or nil.
func (r *Registry) Get(guildID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[guildID]
}

// GetOrCreate returns the session for guildID, creating it on first use.
// Voice parameters are loaded before the insert attempt; a caller that loses
// the race discards what it loaded.
func (r *Registry) GetOrCreate(ctx context.Context, guildID string) (*Session, error) {
	if s := r.Get(guildID); s != nil {
		return s, nil
	}
	params := r.load(ctx, guildID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[guildID]; ok {
		return s, nil
	}
	s := r.create(guildID, params)
	r.sessions[guildID] = s
	return s, nil
}

// Sweep evicts sessions idle for at least idle and returns their guild ids.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	r.mu.Lock()
	var retired []*Session
	for id, s := range r.sessions {
		if s.retireIfIdle(now, idle) {
			delete(r.sessions, id)
			retired = append(retired, s)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(retired))
	for _, s := range retired {
		s.shutdown()
		ids = append(ids, s.guildID)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots lists every session ordered by guild id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

func (r *Registry) counts() (total, ready int64) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		total++
		if s.State() == Ready {
			ready++
		}
	}
	return total, ready
}

// drain removes every session and refuses new ones.
func (r *Registry) drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
