package disco

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type querier struct {
	info *Info
	err  error
	to   []string
}

func (q *querier) DiscoInfo(_ context.Context, to string) (*Info, error) {
	q.to = append(q.to, to)
	return q.info, q.err
}

func TestDiscoverCachesServerFeatures(t *testing.T) {
	c := NewCache()
	q := &querier{info: &Info{Features: []Feature{FeatureCSI, FeaturePing}}}

	info, err := c.Discover(context.Background(), q, "")
	require.NoError(t, err)
	assert.True(t, info.Has(FeatureCSI))
	assert.Equal(t, []string{""}, q.to)

	assert.True(t, c.HasFeature("", FeaturePing))
	assert.False(t, c.HasFeature("", FeatureHTTPUpload))
	assert.False(t, c.HasFeature("upload.example.org", FeatureHTTPUpload))

	c.Clear()
	assert.False(t, c.HasFeature("", FeatureCSI))
}

func TestDiscoverErrorLeavesCache(t *testing.T) {
	c := NewCache()
	c.SetInfo("", &Info{Features: []Feature{FeatureCSI}})

	_, err := c.Discover(context.Background(), &querier{err: errors.New("timeout")}, "")
	assert.Error(t, err)
	assert.True(t, c.HasFeature("", FeatureCSI))
}

func TestNilInfoHasNothing(t *testing.T) {
	var i *Info
	assert.False(t, i.Has(FeatureCSI))
}
