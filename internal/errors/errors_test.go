package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = NewStd("sentinel")

func TestBuilder(t *testing.T) {
	ee := New(errSentinel).
		Component("ingest").
		Category(CategoryDatabase).
		Context("file", "a.xlsx").
		Context("batch", 3).
		Build()

	assert.Equal(t, "sentinel", ee.Error())
	assert.Equal(t, "ingest", ee.Component)
	assert.Equal(t, CategoryDatabase, ee.Category)
	assert.True(t, Is(ee, errSentinel))
	assert.Equal(t, "[ingest/database] sentinel (batch=3 file=a.xlsx)", ee.Detail())
}

func TestBuilderDefaults(t *testing.T) {
	ee := Newf("bad %d", 1).Build()
	assert.Equal(t, ComponentUnknown, ee.Component)
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.Equal(t, "[unknown/generic] bad 1", ee.Detail())
}

func TestCategoryThroughWrap(t *testing.T) {
	inner := New(errSentinel).Category(CategoryPartition).Build()
	wrapped := fmt.Errorf("file x: %w", inner)

	require.True(t, IsCategory(wrapped, CategoryPartition))
	assert.Equal(t, CategoryPartition, CategoryOf(wrapped))
	assert.Equal(t, ErrorCategory(""), CategoryOf(errSentinel))

	var ee *EnhancedError
	require.True(t, As(wrapped, &ee))
	assert.Same(t, inner, ee)
}
