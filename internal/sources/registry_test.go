package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultRegistry(t *testing.T) {
	reg, err := LoadRegistry("", Options{})
	require.NoError(t, err)

	kinds := map[string]bool{}
	for _, cfg := range reg.Configs() {
		kinds[cfg.Kind] = true
		assert.NotEmpty(t, cfg.ImageHosts, cfg.ID)
	}
	assert.Equal(t, map[string]bool{KindStaticHTML: true, KindEmbedded: true, KindBuildAPI: true, KindBrowser: true}, kinds)
	assert.Len(t, reg.All(), len(reg.Configs()))

	src, err := reg.Get("natomanga")
	require.NoError(t, err)
	assert.IsType(t, &StaticSource{}, src)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: one
    kind: embedded
    base_url: https://one.test/
  - id: two
    kind: buildapi
    base_url: https://two.test
    referer: https://two.test/reader/
`), 0o644))

	reg, err := LoadRegistry(path, Options{})
	require.NoError(t, err)
	cfgs := reg.Configs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, "one", cfgs[0].ID)
	assert.Equal(t, "https://one.test/", cfgs[0].RefererOrBase())
	assert.Equal(t, "https://two.test/reader/", cfgs[1].RefererOrBase())
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	_, err := NewRegistry([]Config{{ID: "x", Kind: "carrier-pigeon", BaseURL: "https://x.test"}}, Options{})
	assert.Error(t, err)

	_, err = NewRegistry([]Config{
		{ID: "x", Kind: KindStaticHTML, BaseURL: "https://x.test"},
		{ID: "x", Kind: KindStaticHTML, BaseURL: "https://y.test"},
	}, Options{})
	assert.Error(t, err)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.Error(t, err)
}

func TestRegistryForLink(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{ID: "a", Kind: KindStaticHTML, BaseURL: "https://www.a.test", ImageHosts: []string{"cdn-a.test"}},
		{ID: "b", Kind: KindEmbedded, BaseURL: "https://b.test"},
	}, Options{})
	require.NoError(t, err)

	for link, want := range map[string]string{
		"https://a.test/manga/x/":           "a",
		"https://img1.cdn-a.test/1.jpg":     "a",
		"https://B.test/series/y/chapter-1": "b",
	} {
		src, cfg, ok := reg.ForLink(link)
		require.True(t, ok, link)
		assert.Equal(t, want, src.ID())
		assert.Equal(t, want, cfg.ID)
	}

	_, _, ok := reg.ForLink("https://unknown.test/x")
	assert.False(t, ok)
	_, _, ok = reg.ForLink("/relative")
	assert.False(t, ok)
}
