package pipelines

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBreedLabels(t *testing.T) {
	labels := DefaultBreedLabels()
	assert.Equal(t, 123, labels.Len())
	assert.Equal(t, "Afghan Hound", labels.Name(0))
	assert.Equal(t, "Yorkshire Terrier", labels.Name(labels.Len()-1))

	seen := map[string]bool{}
	for _, name := range labels.Names() {
		assert.False(t, seen[name], "duplicate label %s", name)
		seen[name] = true
	}
}

func TestLabelSetPlaceholder(t *testing.T) {
	labels := NewLabelSet([]string{"Beagle", "Pug"})
	assert.Equal(t, "Pug", labels.Name(1))
	assert.Equal(t, "Breed_2", labels.Name(2))
	assert.Equal(t, "Breed_125", labels.Name(125))
	assert.Equal(t, "Breed_-1", labels.Name(-1))
}

func TestLabelSetImmutable(t *testing.T) {
	names := []string{"Beagle", "Pug"}
	labels := NewLabelSet(names)
	names[0] = "Changed"
	labels.Names()[1] = "Changed"
	assert.Equal(t, []string{"Beagle", "Pug"}, labels.Names())
}

func TestLoadLabelSet(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	textPath := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("Beagle\n\n  Pug  \r\nBoxer"), 0o600))
	labels, err := LoadLabelSet(ctx, textPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beagle", "Pug", "Boxer"}, labels.Names())

	jsonPath := filepath.Join(dir, "labels.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(` ["Beagle", "Pug"] `), 0o600))
	labels, err = LoadLabelSet(ctx, jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beagle", "Pug"}, labels.Names())

	longName := strings.Repeat("x", 70000)
	longPath := filepath.Join(dir, "long.txt")
	require.NoError(t, os.WriteFile(longPath, []byte(longName+"\nPug\n"), 0o600))
	labels, err = LoadLabelSet(ctx, longPath)
	require.NoError(t, err)
	assert.Equal(t, longName, labels.Name(0))
	assert.Equal(t, 2, labels.Len())
}

func TestLoadLabelSetErrors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, err := LoadLabelSet(ctx, filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)

	emptyPath := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, []byte("\n\n"), 0o600))
	_, err = LoadLabelSet(ctx, emptyPath)
	assert.Error(t, err)

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`["Beagle", 3]`), 0o600))
	_, err = LoadLabelSet(ctx, badJSON)
	assert.Error(t, err)

	emptyJSON := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(emptyJSON, []byte(`[]`), 0o600))
	_, err = LoadLabelSet(ctx, emptyJSON)
	assert.Error(t, err)
}
