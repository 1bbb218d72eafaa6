package prefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissingFileReturnsDefaults(t *testing.T) {
	s := NewStore(t.TempDir())

	p, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, p.DefaultBundle)
	assert.Nil(t, p.ShowThinking)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	show := false

	require.NoError(t, s.Put(Preferences{
		DefaultBundle:    "foundation",
		DefaultBehaviors: []string{"concise", "web-research"},
		DefaultCwd:       "/tmp/work",
		ShowThinking:     &show,
		UI:               map[string]any{"theme": "dark"},
	}))

	p, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "foundation", p.DefaultBundle)
	assert.Equal(t, []string{"concise", "web-research"}, p.DefaultBehaviors)
	assert.Equal(t, "/tmp/work", p.DefaultCwd)
	require.NotNil(t, p.ShowThinking)
	assert.False(t, *p.ShowThinking)
	assert.Equal(t, "dark", p.UI["theme"])
}

func TestUpdateAppendsCustomBundle(t *testing.T) {
	s := NewStore(t.TempDir())

	err := s.Update(func(p *Preferences) error {
		p.CustomBundles = append(p.CustomBundles, CustomEntry{Name: "mine", URI: "file:///tmp/mine"})
		return nil
	})
	require.NoError(t, err)

	p, err := s.Get()
	require.NoError(t, err)
	require.Len(t, p.CustomBundles, 1)
	assert.Equal(t, "mine", p.CustomBundles[0].Name)
}
