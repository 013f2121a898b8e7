package geomcache

import (
	"context"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/cache"
	"github.com/matzehuels/segrep/pkg/geometry"
)

func square(z float64) geometry.PolyData {
	return geometry.NewPolyData([]geometry.Polyline{{
		Points: []r3.Vec{{X: 0, Y: 0, Z: z}, {X: 1, Y: 0, Z: z}, {X: 1, Y: 1, Z: z}, {X: 0, Y: 1, Z: z}},
		Closed: true,
	}})
}

func TestSliceKey(t *testing.T) {
	tests := []struct {
		vp     string
		normal r3.Vec
		slice  int
		want   string
	}{
		{"vp1", r3.Vec{Z: 1}, 3, "vp1:0,0,1:3"},
		{"axial", r3.Vec{X: 0.5, Y: -0.25, Z: 1}, 0, "axial:0.5,-0.25,1:0"},
		{"vp1", r3.Vec{X: negZero(), Z: -1}, 12, "vp1:0,0,-1:12"},
	}
	for _, tt := range tests {
		if got := SliceKey(tt.vp, tt.normal, tt.slice); got != tt.want {
			t.Errorf("SliceKey(%s, %v, %d) = %q, want %q", tt.vp, tt.normal, tt.slice, got, tt.want)
		}
	}
}

func negZero() float64 {
	z := 0.0
	return -z
}

func TestSliceCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewSliceCache(nil, nil)
	key := SliceKey("vp1", r3.Vec{Z: 1}, 2)

	if _, ok := c.Get(ctx, "actor-1", key); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(ctx, "S1", "actor-1", key, &Entry{Segments: map[int]geometry.PolyData{1: square(2)}})

	e, ok := c.Get(ctx, "actor-1", key)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if e.NumCells() != 1 {
		t.Errorf("NumCells = %d, want 1", e.NumCells())
	}
	if _, ok := c.Get(ctx, "actor-2", key); ok {
		t.Error("other actor should miss")
	}
}

func TestSliceCacheMergeIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewSliceCache(nil, nil)
	key := SliceKey("vp1", r3.Vec{Z: 1}, 0)

	c.Merge(ctx, "S1", "actor-1", key, 1, square(0))
	c.Merge(ctx, "S1", "actor-1", key, 2, square(0))
	c.Merge(ctx, "S1", "actor-1", key, 1, square(0))

	e, _ := c.Get(ctx, "actor-1", key)
	if len(e.Segments) != 2 || e.NumCells() != 2 {
		t.Errorf("segments = %d, cells = %d, want 2 and 2", len(e.Segments), e.NumCells())
	}
}

func TestSliceCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	c := NewSliceCache(nil, nil)
	for i := 0; i < 3; i++ {
		key := SliceKey("vp1", r3.Vec{Z: 1}, i)
		c.Merge(ctx, "S1", "S1/surf-1", key, 1, square(float64(i)))
		c.Merge(ctx, "S1", "S1/surf-2", key, 2, square(float64(i)))
		c.Merge(ctx, "S2", "S2/surf-1", key, 1, square(float64(i)))
	}
	if c.Len() != 9 {
		t.Fatalf("Len = %d, want 9", c.Len())
	}

	if n := c.InvalidateActor(ctx, "S1/surf-1"); n != 3 {
		t.Errorf("InvalidateActor = %d, want 3", n)
	}
	if n := c.InvalidateSegmentation(ctx, "S1"); n != 3 {
		t.Errorf("InvalidateSegmentation = %d, want 3", n)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3 (S2 only)", c.Len())
	}
	if c.Has("S1/surf-2", SliceKey("vp1", r3.Vec{Z: 1}, 0)) {
		t.Error("S1 entries should be gone")
	}
}

func TestSliceCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewSliceCache(nil, nil)
	c.Merge(ctx, "S1", "a", "k", 1, square(0))
	e, _ := c.Get(ctx, "a", "k")
	delete(e.Segments, 1)
	if again, _ := c.Get(ctx, "a", "k"); len(again.Segments) != 1 {
		t.Error("mutating a returned entry leaked into the cache")
	}
}

func TestSliceCacheTier(t *testing.T) {
	ctx := context.Background()
	backend, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tier := &Tier{Backend: backend}
	key := SliceKey("vp1", r3.Vec{Z: 1}, 4)

	first := NewSliceCache(tier, nil)
	first.Merge(ctx, "S1", "actor", key, 3, square(4))

	// A fresh cache sharing the backend reads through.
	second := NewSliceCache(tier, nil)
	e, ok := second.Get(ctx, "actor", key)
	if !ok {
		t.Fatal("expected read-through hit from the secondary tier")
	}
	if pd := e.Segments[3]; pd.NumCells() != 1 || len(pd.Points) != 4 {
		t.Errorf("decoded geometry = %+v", pd)
	}
	if !second.Has("actor", key) {
		t.Error("read-through should populate memory")
	}

	// Invalidation through the binding restored from the tier also drops the tier entry.
	second.InvalidateSegmentation(ctx, "S1")
	third := NewSliceCache(tier, nil)
	if _, ok := third.Get(ctx, "actor", key); ok {
		t.Error("invalidated entry should be removed from the tier")
	}
}

func TestBoundsCache(t *testing.T) {
	ctx := context.Background()
	c := NewBoundsCache(nil, nil)
	b := geometry.Bounds{Min: r3.Vec{}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}

	missing := c.Missing(ctx, []string{"s2", "s1", "s2"})
	if len(missing) != 2 || missing[0] != "s1" || missing[1] != "s2" {
		t.Errorf("Missing = %v, want [s1 s2]", missing)
	}

	c.Merge(ctx, map[string]geometry.Bounds{"s1": b})
	if missing := c.Missing(ctx, []string{"s1", "s2"}); len(missing) != 1 || missing[0] != "s2" {
		t.Errorf("Missing after merge = %v, want [s2]", missing)
	}
	if got, ok := c.Get(ctx, "s1"); !ok || got != b {
		t.Errorf("Get = %v, %v", got, ok)
	}

	c.Invalidate(ctx, "s1")
	if c.Len() != 0 {
		t.Errorf("Len = %d after invalidate", c.Len())
	}
}

func TestBoundsCacheTier(t *testing.T) {
	ctx := context.Background()
	backend, _ := cache.NewFileCache(t.TempDir())
	tier := &Tier{Backend: backend, Keyer: cache.NewScopedKeyer(nil, "test:")}
	b := geometry.Bounds{Max: r3.Vec{X: 2, Y: 3, Z: 4}}

	NewBoundsCache(tier, nil).Merge(ctx, map[string]geometry.Bounds{"s1": b})
	got, ok := NewBoundsCache(tier, nil).Get(ctx, "s1")
	if !ok || got != b {
		t.Errorf("read-through = %v, %v", got, ok)
	}
}
