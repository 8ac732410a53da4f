package main

import (
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"
)

// challengeCacheSize bounds the in-flight challenge map; a flood of
// challenge requests evicts the oldest unsolved ones first.
const challengeCacheSize = 65536

// Challenge is a proof-of-work puzzle: find answer such that
// keccak256(nonce || answer) has Difficulty leading zero bits.
type Challenge struct {
	ID         string    `json:"id"`
	Nonce      string    `json:"nonce"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FloodGate issues and verifies anti-flood challenges. Stateless except for
// the in-flight challenge cache and the used-id set; solved challenges are
// consumed so a proof can never be replayed.
type FloodGate struct {
	challenges *lru.Cache // id -> *Challenge
	used       *lru.Cache // consumed ids, to tell a replay from a typo
	expiry     time.Duration
	difficulty int
	now        func() time.Time
}

func NewFloodGate(cfg *Config) *FloodGate {
	c, err := lru.New(challengeCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	u, err := lru.New(challengeCacheSize)
	if err != nil {
		panic(err)
	}
	return &FloodGate{
		challenges: c,
		used:       u,
		expiry:     cfg.ChallengeExpiry,
		difficulty: cfg.PoWDifficulty,
		now:        time.Now,
	}
}

// Enabled reports whether the gate demands proof at all.
func (g *FloodGate) Enabled() bool { return g.difficulty > 0 }

// Difficulty returns the configured leading-zero-bit requirement.
func (g *FloodGate) Difficulty() int { return g.difficulty }

// GenerateChallenge mints a fresh challenge with a short expiry.
func (g *FloodGate) GenerateChallenge() *Challenge {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	ch := &Challenge{
		ID:         hex.EncodeToString(nonce[:8]),
		Nonce:      hex.EncodeToString(nonce[:]),
		Difficulty: g.difficulty,
		ExpiresAt:  g.now().Add(g.expiry),
	}
	g.challenges.Add(ch.ID, ch)
	return ch
}

// Verify checks a proposed answer. Difficulty 0 always passes without
// consuming anything. A correct answer consumes the challenge; a consumed id
// presented again is a replay; an expired challenge is rejected with a fresh
// one for the caller to solve instead.
func (g *FloodGate) Verify(id, answer string) (fresh *Challenge, err error) {
	if g.difficulty == 0 {
		return nil, nil
	}

	v, ok := g.challenges.Get(id)
	if !ok {
		if g.used.Contains(id) {
			return g.GenerateChallenge(), ErrReplayOrForgery
		}
		return g.GenerateChallenge(), invalidErr("unknown challenge %q", id)
	}
	ch := v.(*Challenge)

	if g.now().After(ch.ExpiresAt) {
		g.challenges.Remove(id)
		return g.GenerateChallenge(), ErrExpiredOrExhausted
	}

	if !solves(ch.Nonce, answer, ch.Difficulty) {
		return nil, invalidErr("proof does not meet difficulty %d", ch.Difficulty)
	}

	// Consume: the id moves to the used set so a replay is classified as
	// such, not mistaken for an unknown challenge.
	g.challenges.Remove(id)
	g.used.Add(id, struct{}{})
	return nil, nil
}

// solves reports whether keccak256(nonce || answer) has at least difficulty
// leading zero bits.
func solves(nonce, answer string, difficulty int) bool {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(nonce))
	h.Write([]byte(answer))
	return leadingZeroBits(h.Sum(nil)) >= difficulty
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, x := range b {
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}
