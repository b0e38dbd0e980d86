package nlp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedModelSeparatesClasses(t *testing.T) {
	nb, err := Train(SeedSamples())
	require.NoError(t, err)

	threat := nb.Score([]string{"Illegal dumping near the river"})
	benign := nb.Score([]string{"beautiful hike by the lake"})
	assert.Greater(t, threat, 0.5)
	assert.Less(t, benign, 0.5)

	mean := nb.Score([]string{"Illegal dumping near the river", "beautiful hike by the lake"})
	assert.InDelta(t, (threat+benign)/2, mean, 1e-12)
}

func TestScoreEmpty(t *testing.T) {
	nb, err := Train(SeedSamples())
	require.NoError(t, err)
	assert.Equal(t, 0.0, nb.Score(nil))
}

func TestTrainRequiresSamples(t *testing.T) {
	_, err := Train(nil)
	assert.Error(t, err)
}

func TestReadSamples(t *testing.T) {
	in := "text,label\nchainsaw in reserve,1\n,1\nsunny day,0\nquad bikes on dunes,yes\n"
	samples, err := ReadSamples(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.True(t, samples[0].Threat)
	assert.False(t, samples[1].Threat)
	assert.False(t, samples[2].Threat, "unparsable label counts as benign")

	_, err = ReadSamples(strings.NewReader("body,label\nx,1\n"))
	assert.Error(t, err)
}

func TestLoadOrTrainPersists(t *testing.T) {
	dir := t.TempDir()
	nb, base, err := LoadOrTrain(dir, filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	assert.Len(t, base, len(SeedSamples()))
	_, err = os.Stat(filepath.Join(dir, ModelFile))
	require.NoError(t, err)

	loaded, _, err := LoadOrTrain(dir, "")
	require.NoError(t, err)
	text := []string{"Pipeline tampering reported"}
	assert.InDelta(t, nb.Score(text), loaded.Score(text), 1e-12)
}

func TestLoadOrTrainUsesCorpus(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "training.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("text,label\nlogging trucks at night,1\nbirdwatching club meetup,0\n"), 0o644))
	nb, base, err := LoadOrTrain(filepath.Join(dir, "models"), csvPath)
	require.NoError(t, err)
	assert.Len(t, base, 2)
	assert.Greater(t, nb.Score([]string{"logging trucks"}), 0.5)
}

func TestFeedbackShiftsScore(t *testing.T) {
	nb, err := Train(SeedSamples())
	require.NoError(t, err)
	text := []string{"drone flying over nests"}
	before := nb.Score(text)
	nb.Feedback(SeedSamples(), []string{"drone flying over nests", "drone flying low"}, true)
	assert.Greater(t, nb.Score(text), before)
}
