// Package audit keeps a tamper-evident trail of escrow movements. Every hold,
// refund and settlement is appended as a leaf and the Merkle root is
// recomputed, so an operator can compare roots between dumps.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Entry is one recorded movement.
type Entry struct {
	Seq    int       `json:"seq"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Ref    string    `json:"ref"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
	Hash   string    `json:"hash"`
}

type node struct {
	left  *node
	right *node
	hash  string
}

// Ledger maintains the leaves and the current root.
type Ledger struct {
	mu         sync.Mutex
	entries    []Entry
	leaves     []*node
	root       *node
	actorRoots map[string]string
	clock      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		actorRoots: make(map[string]string),
		clock:      time.Now,
	}
}

// WithClock overrides the timestamp source for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func hashData(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Append records a movement and recalculates the root.
func (l *Ledger) Append(actor, action, ref string, amount float64) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:    len(l.entries) + 1,
		Actor:  actor,
		Action: action,
		Ref:    ref,
		Amount: amount,
		At:     l.clock().UTC(),
	}
	e.Hash = hashData(fmt.Sprintf("%d|%s|%s|%s|%.4f|%s", e.Seq, e.At.Format(time.RFC3339Nano), actor, action, amount, ref))

	l.entries = append(l.entries, e)
	l.leaves = append(l.leaves, &node{hash: e.Hash})
	l.recalculateRoot()
	l.actorRoots[actor] = l.root.hash

	return e
}

// recalculateRoot rebuilds the tree. Odd levels duplicate their last node.
func (l *Ledger) recalculateRoot() {
	if len(l.leaves) == 0 {
		l.root = nil
		return
	}

	nodes := l.leaves
	for len(nodes) > 1 {
		next := make([]*node, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, &node{left: left, right: right, hash: hashData(left.hash + right.hash)})
		}
		nodes = next
	}
	l.root = nodes[0]
}

// Root returns the current root hash, or "" when nothing was recorded.
func (l *Ledger) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.root == nil {
		return ""
	}
	return l.root.hash
}

// RootAt returns the root as it was after the actor's last movement.
func (l *Ledger) RootAt(actor string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.actorRoots[actor]
	return r, ok
}

// Entries returns a copy of the recorded movements, optionally filtered by ref.
func (l *Ledger) Entries(ref string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if ref == "" || e.Ref == ref {
			out = append(out, e)
		}
	}
	return out
}

// VerifyInclusion reports whether hash is a leaf of the tree.
func (l *Ledger) VerifyInclusion(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.leaves {
		if n.hash == hash {
			return true
		}
	}
	return false
}
