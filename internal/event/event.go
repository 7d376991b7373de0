// Package event defines the relay event record and its content addressing.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Event is a single relay event. ID is content-addressed over the signed
// fields; CreatedAt is the partition key and never changes after insert.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`

	// Bookkeeping fields, not part of the signed payload.
	FirstSeen int64 `json:"first_seen,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"`
	Expiry    int64 `json:"expiry,omitempty"`
}

// Serialize returns the canonical JSON array the ID and signature cover.
func (ev *Event) Serialize() []byte {
	payload := []interface{}{
		0,
		ev.PubKey,
		ev.CreatedAt,
		ev.Kind,
		ev.Tags,
		ev.Content,
	}
	data, _ := json.Marshal(payload)
	return data
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (ev *Event) ComputeID() string {
	hash := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(hash[:])
}

// CheckID verifies that ID matches the event contents.
func (ev *Event) CheckID() bool {
	return ev.ID == ev.ComputeID()
}

// Verify checks the schnorr signature against the event's author key.
func (ev *Event) Verify() error {
	if !ev.CheckID() {
		return fmt.Errorf("event id does not match contents")
	}

	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return fmt.Errorf("invalid pubkey %q", ev.PubKey)
	}
	// Author keys are x-only; lift to a compressed point with even y.
	pk, err := secp256k1.ParsePubKey(append([]byte{0x02}, pkBytes...))
	if err != nil {
		return fmt.Errorf("failed to parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("invalid id encoding: %w", err)
	}
	if !sig.Verify(idBytes, pk) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// IsReplaceable reports whether a newer event with the same author and kind
// supersedes this one.
func (ev *Event) IsReplaceable() bool {
	return ev.Kind == 0 || ev.Kind == 3 ||
		(ev.Kind >= 10000 && ev.Kind < 20000)
}

// IsParamReplaceable reports whether replacement is additionally scoped by
// the "d" tag value.
func (ev *Event) IsParamReplaceable() bool {
	return ev.Kind >= 30000 && ev.Kind < 40000
}

// DedupKey returns the uniqueness key for replaceable events, or "" for
// events with no replacement semantics. Replaceable events are always written
// with a current timestamp, so this key only needs to be enforced in the hot
// tier.
func (ev *Event) DedupKey() string {
	switch {
	case ev.IsReplaceable():
		return fmt.Sprintf("%s:%d", ev.PubKey, ev.Kind)
	case ev.IsParamReplaceable():
		return fmt.Sprintf("%s:%d:%s", ev.PubKey, ev.Kind, ev.TagValue("d"))
	default:
		return ""
	}
}

// TagValue returns the first value of the named tag, or "".
func (ev *Event) TagValue(name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// IndexableTags returns the {name, value} pairs the tag index keeps:
// single-character tag names with non-empty values.
func (ev *Event) IndexableTags() [][2]string {
	var out [][2]string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		name := tag[0]
		value := strings.TrimSpace(tag[1])
		if len(name) == 1 && value != "" {
			out = append(out, [2]string{name, value})
		}
	}
	return out
}
