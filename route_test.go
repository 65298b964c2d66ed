package pluginsup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitRoutePathSegmentAndRemainder(t *testing.T) {
	segment, remainder, ok := splitRoutePath("/demo/sub/path")
	assert.True(t, ok)
	assert.Equal(t, "demo", segment)
	assert.Equal(t, "sub/path", remainder)
}

func TestSplitRoutePathNoRemainder(t *testing.T) {
	segment, remainder, ok := splitRoutePath("/demo")
	assert.True(t, ok)
	assert.Equal(t, "demo", segment)
	assert.Equal(t, "", remainder)
}

func TestSplitRoutePathRejectsEmpty(t *testing.T) {
	_, _, ok := splitRoutePath("/")
	assert.False(t, ok)
}

func TestSplitRoutePathRejectsDotDotSegment(t *testing.T) {
	_, _, ok := splitRoutePath("/../etc")
	assert.False(t, ok)
}

func TestRouteTableSetAndLookup(t *testing.T) {
	table := NewRouteTable()
	table.Set("/demo", "demo-plugin")

	id, ok := table.Lookup("/demo")
	assert.True(t, ok)
	assert.Equal(t, "demo-plugin", id)

	_, ok = table.Lookup("/missing")
	assert.False(t, ok)
}
