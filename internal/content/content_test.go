package content

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devsnap/internal/models"
	"devsnap/internal/storage"
)

func newTestStore(t *testing.T, level string) (*Store, storage.Backend) {
	backend, err := storage.NewFileBackend(afero.NewMemMapFs(), "/backups")
	require.NoError(t, err)
	return NewStore(backend, level), backend
}

func sourceFile(lines int, marker string) []byte {
	var sb strings.Builder
	sb.WriteString("package demo\n\n")
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&sb, "func handler%d() string { return %q }\n", i, marker)
		if i%10 == 0 {
			fmt.Fprintf(&sb, "// section %d\n", i)
		}
	}
	return []byte(sb.String())
}

func TestStoreDeduplicates(t *testing.T) {
	store, backend := newTestStore(t, LevelAuto)

	h1, err := store.Store([]byte("same content"))
	require.NoError(t, err)
	h2, err := store.Store([]byte("same content"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	objects, err := backend.List(storage.ObjectsPrefix)
	require.NoError(t, err)
	assert.Len(t, objects, 1, "identical content must be stored once")

	_, written, err := store.Put([]byte("same content"), TypeText)
	require.NoError(t, err)
	assert.Zero(t, written, "dedup hit must not write")
}

func TestStoreRoundTripPerStrategy(t *testing.T) {
	for _, level := range []string{LevelAuto, LevelFast, LevelNone} {
		store, _ := newTestStore(t, level)
		for _, ct := range []string{TypeText, TypeBinary, TypeDefault} {
			content := []byte(strings.Repeat("payload "+ct+" "+level+"\n", 50))
			hash, _, err := store.Put(content, ct)
			require.NoError(t, err)

			got, err := store.Retrieve(hash)
			require.NoError(t, err)
			assert.Equal(t, content, got, "level=%s type=%s", level, ct)
		}
	}
}

func TestBinaryStoredUncompressed(t *testing.T) {
	store, backend := newTestStore(t, LevelAuto)
	content := []byte(strings.Repeat("\x89PNG", 100))

	hash, _, err := store.Put(content, ContentTypeFor("assets/logo.png"))
	require.NoError(t, err)

	raw, err := backend.Get(storage.ObjectKey(hash))
	require.NoError(t, err)
	assert.Equal(t, kindFull, raw[0])
	assert.Equal(t, codecNone, raw[1])
	assert.Equal(t, content, raw[fullHeaderSize:])
}

func TestRetrieveUnknownHash(t *testing.T) {
	store, _ := newTestStore(t, LevelAuto)

	_, err := store.Retrieve(Hash([]byte("never stored")))
	assert.True(t, models.IsNotFound(err))

	_, err = store.Retrieve("xyz")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"main.go":              TypeText,
		"web/App.TSX":          TypeText,
		"Dockerfile":           TypeText,
		"assets/photo.jpeg":    TypeBinary,
		"dist/bundle.tar.gz":   TypeBinary,
		"data/model.bin":       TypeDefault,
		"scripts/no-extension": TypeDefault,
	}
	for path, want := range cases {
		assert.Equal(t, want, ContentTypeFor(path), path)
	}
}

func TestDiffAgainstParentReferenceOnly(t *testing.T) {
	store, backend := newTestStore(t, LevelAuto)
	c := NewCompressor(store, 10, 0)
	content := sourceFile(20, "v1")

	first, err := c.DiffAgainstParent("main.go", "", content)
	require.NoError(t, err)
	assert.False(t, first.Reference)
	assert.Positive(t, first.Written)

	second, err := c.DiffAgainstParent("main.go", first.Hash, content)
	require.NoError(t, err)
	assert.True(t, second.Reference)
	assert.Equal(t, first.Hash, second.DeltaFrom)
	assert.Zero(t, second.Written)

	objects, err := backend.List(storage.ObjectsPrefix)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestDiffAgainstParentStoresDelta(t *testing.T) {
	store, _ := newTestStore(t, LevelAuto)
	c := NewCompressor(store, 10, 0)

	base := sourceFile(300, "stable")
	baseDecision, err := c.DiffAgainstParent("server.go", "", base)
	require.NoError(t, err)

	edited := append([]byte{}, base...)
	edited = append(edited, []byte("func added() {}\n")...)

	d, err := c.DiffAgainstParent("server.go", baseDecision.Hash, edited)
	require.NoError(t, err)
	assert.True(t, d.Delta)
	assert.Equal(t, baseDecision.Hash, d.DeltaFrom)
	assert.Equal(t, Hash(edited), d.Hash)

	depth, err := store.Depth(d.Hash)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	got, err := store.Retrieve(d.Hash)
	require.NoError(t, err)
	assert.Equal(t, edited, got)
}

func TestDeltaChainLimitFallsBackToFull(t *testing.T) {
	store, _ := newTestStore(t, LevelAuto)
	c := NewCompressor(store, 2, 0)

	content := sourceFile(300, "chain")
	d, err := c.DiffAgainstParent("chain.go", "", content)
	require.NoError(t, err)
	parent := d.Hash

	var depths []int
	for i := 0; i < 4; i++ {
		content = append(content, []byte(fmt.Sprintf("var step%d = %d\n", i, i))...)
		d, err = c.DiffAgainstParent("chain.go", parent, content)
		require.NoError(t, err)

		depth, err := store.Depth(d.Hash)
		require.NoError(t, err)
		depths = append(depths, depth)
		parent = d.Hash

		got, err := store.Retrieve(d.Hash)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
	assert.Equal(t, []int{1, 2, 0, 1}, depths)
}

func TestDiffAgainstParentIsReproducible(t *testing.T) {
	base := sourceFile(200, "base")
	edited := append(append([]byte{}, base...), []byte("func tail() {}\n")...)

	var decisions []Decision
	for i := 0; i < 2; i++ {
		store, _ := newTestStore(t, LevelAuto)
		c := NewCompressor(store, 10, 0)
		parent, err := c.DiffAgainstParent("a.go", "", base)
		require.NoError(t, err)
		d, err := c.DiffAgainstParent("a.go", parent.Hash, edited)
		require.NoError(t, err)
		decisions = append(decisions, d)
	}
	assert.Equal(t, decisions[0], decisions[1])
}

func TestApplyDeltaWithoutTrailingNewline(t *testing.T) {
	base := []byte("alpha\nbeta\ngamma")
	target := []byte("alpha\nBETA\ngamma\ndelta")

	raw, err := encodeOps(computeDelta(base, target))
	require.NoError(t, err)
	got, err := applyDelta(base, raw)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}
