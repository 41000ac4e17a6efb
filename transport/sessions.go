package transport

import (
	"encoding/base64"
	"sync"
	"time"

	tls "github.com/sardanioss/utls"
)

// sessionMaxAge bounds how old an imported session may be. Servers rotate
// ticket keys on roughly this schedule, so older tickets only waste a
// resumption attempt.
const sessionMaxAge = 24 * time.Hour

// SessionRecord is the serialized form of one TLS session, safe to embed in
// JSON for persistence across processes.
type SessionRecord struct {
	Ticket    string    `json:"ticket"` // base64
	State     string    `json:"state"`  // base64
	CreatedAt time.Time `json:"created_at"`
}

// SessionCache is a tls.ClientSessionCache whose contents can be exported
// and restored, so a restarted process resumes TLS sessions the way a
// long-running browser would. One cache per pool key keeps tickets from
// leaking across fingerprints or proxies.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

type liveSession struct {
	state     *tls.ClientSessionState
	createdAt time.Time
}

func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: make(map[string]*liveSession)}
}

func (c *SessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.sessions[sessionKey]; ok {
		return s.state, true
	}
	return nil, false
}

func (c *SessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs == nil {
		delete(c.sessions, sessionKey)
		return
	}
	c.sessions[sessionKey] = &liveSession{state: cs, createdAt: time.Now()}
}

// Export serializes every live session. Sessions whose state cannot be
// serialized (for example mid-handshake placeholders) are skipped.
func (c *SessionCache) Export() map[string]SessionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]SessionRecord, len(c.sessions))
	for key, s := range c.sessions {
		if s.state == nil {
			continue
		}
		ticket, state, err := s.state.ResumptionState()
		if err != nil || ticket == nil || state == nil {
			continue
		}
		stateBytes, err := state.Bytes()
		if err != nil {
			continue
		}
		out[key] = SessionRecord{
			Ticket:    base64.StdEncoding.EncodeToString(ticket),
			State:     base64.StdEncoding.EncodeToString(stateBytes),
			CreatedAt: s.createdAt,
		}
	}
	return out
}

// Import loads previously exported sessions, dropping entries that are
// expired or fail to parse. Bad records are skipped rather than failing the
// whole import; resumption is an optimization, not a requirement.
func (c *SessionCache) Import(records map[string]SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, rec := range records {
		if time.Since(rec.CreatedAt) > sessionMaxAge {
			continue
		}
		ticket, err := base64.StdEncoding.DecodeString(rec.Ticket)
		if err != nil {
			continue
		}
		stateBytes, err := base64.StdEncoding.DecodeString(rec.State)
		if err != nil {
			continue
		}
		state, err := tls.ParseSessionState(stateBytes)
		if err != nil {
			continue
		}
		cs, err := tls.NewResumptionState(ticket, state)
		if err != nil {
			continue
		}
		c.sessions[key] = &liveSession{state: cs, createdAt: rec.CreatedAt}
	}
}

func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*liveSession)
}

func (c *SessionCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
