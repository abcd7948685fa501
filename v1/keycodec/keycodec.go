// Package keycodec derives canonical lock keys from resource identifiers.
//
// Single resources map to <prefix><id>, sets of resources map to
// <prefix>batch:<sha256>. Both forms are case-folded and trimmed, and batch
// keys do not depend on the order or multiplicity of the input.
package keycodec

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
)

// DefaultPrefix is the key namespace shared by every service.
const DefaultPrefix = "distributed:lock:storage:"

const batchSegment = "batch:"

// Codec derives keys under a fixed prefix.
type Codec struct {
	prefix string
}

// New returns a Codec using prefix. An empty prefix selects DefaultPrefix.
func New(prefix string) Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Codec{prefix: prefix}
}

var std = New(DefaultPrefix)

// Prefix returns the namespace prefix of c.
func (c Codec) Prefix() string { return c.prefix }

// Pattern returns the SCAN pattern matching every key in the namespace.
func (c Codec) Pattern() string { return c.prefix + "*" }

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Canonical returns the lock key for a single resource.
func (c Codec) Canonical(resourceID string) (string, error) {
	n := normalize(resourceID)
	if n == "" {
		return "", lockerrors.New("canonical", resourceID, lockerrors.ErrInvalidLockKey, nil)
	}
	return c.prefix + n, nil
}

// normalizedSet trims, lowercases, deduplicates and sorts ids.
func normalizedSet(op string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, lockerrors.New(op, "", lockerrors.ErrInvalidLockKey, nil)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := normalize(id)
		if n == "" {
			return nil, lockerrors.New(op, id, lockerrors.ErrInvalidLockKey, nil)
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Batch returns a single key standing for the whole set of resourceIDs.
func (c Codec) Batch(resourceIDs []string) (string, error) {
	set, err := normalizedSet("batch", resourceIDs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(strings.Join(set, "\x00")))
	return c.prefix + batchSegment + hex.EncodeToString(sum[:]), nil
}

// MultiKeyOrdering returns the canonical keys of resourceIDs in strictly
// ascending order. Every caller holding several keys at once must acquire
// them in this order.
func (c Codec) MultiKeyOrdering(resourceIDs []string) ([]string, error) {
	set, err := normalizedSet("ordering", resourceIDs)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(set))
	for i, n := range set {
		keys[i] = c.prefix + n
	}
	return keys, nil
}

// IsBatchKey reports whether key was produced by Batch.
func (c Codec) IsBatchKey(key string) bool {
	return strings.HasPrefix(key, c.prefix+batchSegment)
}

// ExtractResourceID returns the normalized resource id of a single-resource
// key. It returns false for batch keys and keys outside the namespace.
func (c Codec) ExtractResourceID(key string) (string, bool) {
	if c.IsBatchKey(key) {
		return "", false
	}
	id, ok := strings.CutPrefix(key, c.prefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Canonical calls Canonical on the default codec.
func Canonical(resourceID string) (string, error) { return std.Canonical(resourceID) }

// Batch calls Batch on the default codec.
func Batch(resourceIDs []string) (string, error) { return std.Batch(resourceIDs) }

// MultiKeyOrdering calls MultiKeyOrdering on the default codec.
func MultiKeyOrdering(resourceIDs []string) ([]string, error) {
	return std.MultiKeyOrdering(resourceIDs)
}

// IsBatchKey calls IsBatchKey on the default codec.
func IsBatchKey(key string) bool { return std.IsBatchKey(key) }

// ExtractResourceID calls ExtractResourceID on the default codec.
func ExtractResourceID(key string) (string, bool) { return std.ExtractResourceID(key) }
