// Package nlp scores free-text reports for threat-indicative language with a
// multinomial naive Bayes classifier over unigrams and bigrams.
package nlp

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/goccy/go-json"
)

// ModelFile is the file name used under the models directory.
const ModelFile = "social_nlp.json"

type Sample struct {
	Text   string
	Threat bool
}

var seedSamples = []Sample{
	{"Illegal dumping spotted near river", true},
	{"Unauthorized excavation within protected forest", true},
	{"Pipeline tampering reported by locals", true},
	{"Great weather for a hike today", false},
	{"Birds nesting by the lake, beautiful scene", false},
	{"Road repair completed successfully", false},
}

// SeedSamples returns the built-in training set used when no corpus exists.
func SeedSamples() []Sample {
	return append([]Sample(nil), seedSamples...)
}

type NaiveBayes struct {
	mu    sync.RWMutex
	model nbModel
}

type nbModel struct {
	Docs   [2]int            `json:"docs"`
	Tokens [2]int            `json:"tokens"`
	Counts [2]map[string]int `json:"counts"`
	Vocab  int               `json:"vocab"`
}

// Train fits a fresh classifier. At least one sample is required.
func Train(samples []Sample) (*NaiveBayes, error) {
	if len(samples) == 0 {
		return nil, errors.New("nlp: no training samples")
	}
	nb := &NaiveBayes{}
	nb.model = fit(samples)
	return nb, nil
}

func fit(samples []Sample) nbModel {
	m := nbModel{Counts: [2]map[string]int{{}, {}}}
	vocab := map[string]struct{}{}
	for _, s := range samples {
		c := 0
		if s.Threat {
			c = 1
		}
		m.Docs[c]++
		for _, tok := range tokenize(s.Text) {
			m.Counts[c][tok]++
			m.Tokens[c]++
			vocab[tok] = struct{}{}
		}
	}
	m.Vocab = len(vocab)
	return m
}

// Score returns the mean threat probability across texts, 0 for none.
func (nb *NaiveBayes) Score(texts []string) float64 {
	if len(texts) == 0 {
		return 0
	}
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	var sum float64
	for _, t := range texts {
		sum += nb.model.probability(t)
	}
	return math.Max(0, math.Min(1, sum/float64(len(texts))))
}

func (m nbModel) probability(text string) float64 {
	total := m.Docs[0] + m.Docs[1]
	if total == 0 {
		return 0
	}
	var logp [2]float64
	for c := 0; c < 2; c++ {
		// Add-one smoothing on priors keeps single-class corpora finite.
		logp[c] = math.Log(float64(m.Docs[c]+1) / float64(total+2))
		denom := float64(m.Tokens[c] + m.Vocab + 1)
		for _, tok := range tokenize(text) {
			logp[c] += math.Log(float64(m.Counts[c][tok]+1) / denom)
		}
	}
	hi := math.Max(logp[0], logp[1])
	p1 := math.Exp(logp[1] - hi)
	p0 := math.Exp(logp[0] - hi)
	return p1 / (p0 + p1)
}

// Feedback refits with the original samples plus texts labelled threat or not.
func (nb *NaiveBayes) Feedback(base []Sample, texts []string, threat bool) {
	samples := append([]Sample(nil), base...)
	for _, t := range texts {
		samples = append(samples, Sample{Text: t, Threat: threat})
	}
	m := fit(samples)
	nb.mu.Lock()
	nb.model = m
	nb.mu.Unlock()
}

func (nb *NaiveBayes) Save(path string) error {
	nb.mu.RLock()
	data, err := json.Marshal(nb.model)
	nb.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Load(path string) (*NaiveBayes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m nbModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for c := range m.Counts {
		if m.Counts[c] == nil {
			m.Counts[c] = map[string]int{}
		}
	}
	return &NaiveBayes{model: m}, nil
}

// ReadSamples parses a text,label CSV with a header row. Rows with empty
// text are skipped; a non-zero label marks a threat.
func ReadSamples(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	textIdx, labelIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "text":
			textIdx = i
		case "label":
			labelIdx = i
		}
	}
	if textIdx < 0 {
		return nil, errors.New("nlp: training csv has no text column")
	}
	var out []Sample
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if textIdx >= len(rec) {
			continue
		}
		text := strings.TrimSpace(rec[textIdx])
		if text == "" {
			continue
		}
		label := 0
		if labelIdx >= 0 && labelIdx < len(rec) {
			label, _ = strconv.Atoi(strings.TrimSpace(rec[labelIdx]))
		}
		out = append(out, Sample{Text: text, Threat: label != 0})
	}
	return out, nil
}

// LoadOrTrain loads a persisted model from modelsDir, or trains one from
// trainingCSV (falling back to the seed set) and persists it.
func LoadOrTrain(modelsDir, trainingCSV string) (*NaiveBayes, []Sample, error) {
	samples, err := trainingSamples(trainingCSV)
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(modelsDir, ModelFile)
	if nb, err := Load(path); err == nil {
		return nb, samples, nil
	}
	nb, err := Train(samples)
	if err != nil {
		return nil, nil, err
	}
	if modelsDir != "" {
		if err := nb.Save(path); err != nil {
			return nil, nil, fmt.Errorf("save model: %w", err)
		}
	}
	return nb, samples, nil
}

func trainingSamples(path string) ([]Sample, error) {
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			samples, err := ReadSamples(f)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			if len(samples) > 0 {
				return samples, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return SeedSamples(), nil
}

func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, 2*len(words))
	out = append(out, words...)
	for i := 0; i+1 < len(words); i++ {
		out = append(out, words[i]+" "+words[i+1])
	}
	return out
}
