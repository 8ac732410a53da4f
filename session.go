package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// revocationCacheSize bounds the revocation and request-counter stores. It
// must stay far above the number of tokens that can be issued inside one
// session TTL: an id the revocation set evicts would otherwise verify again
// until its TTL lapses.
const revocationCacheSize = 65536

// Caveats bound what a session token is good for.
type Caveats struct {
	TTLSeconds       int64    `json:"ttl_seconds"`
	MaxRequests      int      `json:"max_requests"`
	AllowedEndpoints []string `json:"allowed_endpoints"`
	MaxCost          string   `json:"max_cost"` // base units, decimal
}

// SessionToken is a self-contained signed capability. Everything but the
// request counter travels inside the token; the counter is server-side so
// the holder cannot roll it back.
type SessionToken struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	IssuedAt int64          `json:"issued_at"` // unix seconds
	Caveats  Caveats        `json:"caveats"`
	Snapshot *AgentSnapshot `json:"snapshot"` // agent data cached at issuance
}

// SessionIssuer mints and verifies session tokens. Verification is
// stateless apart from the revocation set and the per-token request
// counter. Both stores are bounded LRUs sized far past the number of tokens
// that can be live inside one TTL, so eviction only ever touches ids whose
// tokens have long expired.
type SessionIssuer struct {
	secret []byte

	mu      sync.Mutex
	counts  *lru.Cache // id -> int
	revoked *lru.Cache // id -> struct{}

	now func() time.Time
}

func NewSessionIssuer(secret []byte) *SessionIssuer {
	cc, err := lru.New(revocationCacheSize)
	if err != nil {
		panic(err)
	}
	rc, err := lru.New(revocationCacheSize)
	if err != nil {
		panic(err)
	}
	return &SessionIssuer{
		secret:  secret,
		counts:  cc,
		revoked: rc,
		now:     time.Now,
	}
}

// Issue signs a new token for the agent. The snapshot is the ledger data the
// fast path will reuse instead of re-reading the ledgers.
func (s *SessionIssuer) Issue(agentID string, cv Caveats, snap *AgentSnapshot) (string, error) {
	tok := &SessionToken{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		IssuedAt: s.now().Unix(),
		Caveats:  cv,
		Snapshot: snap,
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	sig := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks revocation, signature, TTL, endpoint scope and the request
// budget, then counts this use. Any single-bit change to the encoded token
// fails the signature check.
func (s *SessionIssuer) Verify(encoded, endpoint string) (*SessionToken, error) {
	dot := strings.IndexByte(encoded, '.')
	if dot < 0 {
		return nil, invalidErr("malformed session token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded[:dot])
	if err != nil {
		return nil, invalidErr("session token payload: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encoded[dot+1:])
	if err != nil {
		return nil, invalidErr("session token signature: %v", err)
	}

	if !hmac.Equal(sig, s.sign(payload)) {
		return nil, ErrReplayOrForgery
	}

	var tok SessionToken
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, invalidErr("session token decode: %v", err)
	}

	if s.revoked.Contains(tok.ID) {
		return nil, ErrReplayOrForgery
	}

	now := s.now()
	if now.Sub(time.Unix(tok.IssuedAt, 0)) > time.Duration(tok.Caveats.TTLSeconds)*time.Second {
		return nil, ErrExpiredOrExhausted
	}

	if len(tok.Caveats.AllowedEndpoints) > 0 && !contains(tok.Caveats.AllowedEndpoints, endpoint) {
		return nil, policyErr("endpoint %s outside session scope", endpoint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if v, ok := s.counts.Get(tok.ID); ok {
		n = v.(int)
	}
	if n >= tok.Caveats.MaxRequests {
		return nil, ErrExpiredOrExhausted
	}
	s.counts.Add(tok.ID, n+1)
	return &tok, nil
}

// Revoke permanently invalidates a token id. Idempotent.
func (s *SessionIssuer) Revoke(id string) {
	s.revoked.Add(id, struct{}{})
	s.mu.Lock()
	s.counts.Remove(id)
	s.mu.Unlock()
}

// RequestCount returns how many verified uses the token id has had.
func (s *SessionIssuer) RequestCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.counts.Get(id); ok {
		return v.(int)
	}
	return 0
}

func (s *SessionIssuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
