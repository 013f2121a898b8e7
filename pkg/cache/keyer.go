package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Keyer builds backend keys for cached geometry.
type Keyer interface {
	// SliceKey addresses the clipped geometry of one slice.
	SliceKey(actor, sliceKey string) string
	// BoundsKey addresses the bounding volume of one surface.
	BoundsKey(surfaceID string) string
}

// DefaultKeyer hashes key components into "<prefix>:<sha256>" keys.
type DefaultKeyer struct{}

// NewDefaultKeyer returns the hashing keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

func (DefaultKeyer) SliceKey(actor, sliceKey string) string {
	return hashKey("slice", actor, sliceKey)
}

func (DefaultKeyer) BoundsKey(surfaceID string) string {
	return hashKey("bounds", surfaceID)
}

// ScopedKeyer prefixes every key of an inner Keyer.
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer wraps inner, or [DefaultKeyer] when inner is nil.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{inner: inner, prefix: prefix}
}

func (k *ScopedKeyer) SliceKey(actor, sliceKey string) string {
	return k.prefix + k.inner.SliceKey(actor, sliceKey)
}

func (k *ScopedKeyer) BoundsKey(surfaceID string) string {
	return k.prefix + k.inner.BoundsKey(surfaceID)
}

func hashKey(prefix string, parts ...any) string {
	data, _ := json.Marshal(parts)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(sum[:]))
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
