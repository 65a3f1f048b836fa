// Package tracking issues human-legible shipment tracking numbers.
package tracking

import (
	"crypto/rand"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/and161185/postwallet/internal/utils"
	"github.com/oklog/ulid/v2"
)

const (
	Prefix = "PW"

	timeChars   = 10
	randomChars = 8
	// Length is prefix + time + random + check character.
	Length = len(Prefix) + timeChars + randomChars + 1
)

// Generator combines a non-decreasing millisecond timestamp with 40 random
// bits. It holds no counter; concurrent callers only race on a CAS of the last
// emitted millisecond.
type Generator struct {
	now     func() time.Time
	entropy io.Reader
	lastMs  atomic.Uint64
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		if r != nil {
			g.entropy = r
		}
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{now: time.Now, entropy: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a new tracking number.
func (g *Generator) Next() (string, error) {
	ms := g.timestamp()

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return "", err
	}
	encoded := id.String()

	var b strings.Builder
	b.Grow(Length)
	b.WriteString(Prefix)
	b.WriteString(encoded[:timeChars])
	b.WriteString(encoded[timeChars : timeChars+randomChars])

	check, _ := utils.LuhnCheckChar(utils.Crockford, b.String()[len(Prefix):])
	b.WriteByte(check)

	return b.String(), nil
}

func (g *Generator) timestamp() uint64 {
	now := ulid.Timestamp(g.now())
	for {
		last := g.lastMs.Load()
		if now <= last {
			return last
		}
		if g.lastMs.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Valid reports whether s is shaped like a tracking number and carries a
// correct check character.
func Valid(s string) bool {
	if len(s) != Length || !strings.HasPrefix(s, Prefix) {
		return false
	}
	return utils.IsValidLuhn(utils.Crockford, s[len(Prefix):])
}

// Time extracts the millisecond timestamp embedded in a tracking number.
func Time(s string) (time.Time, bool) {
	if !Valid(s) {
		return time.Time{}, false
	}
	padded := s[len(Prefix):len(Prefix)+timeChars] + strings.Repeat("0", 16)
	id, err := ulid.ParseStrict(padded)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
