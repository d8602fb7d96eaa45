// Package vocab provides the token/id vocabulary the caption decoder was trained with.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Padding is the reserved id used for sequence padding; it never resolves to a token.
const Padding = 0

// Keras tokenizer defaults used when the vocabulary file does not declare its own.
const (
	defaultFilters = "!\"#$%&()*+,-./:;<=>?@[\\]^_`{|}~\t\n"
	defaultSplit   = " "
)

// ErrInvalid is returned when a vocabulary file is not a valid token/id bijection.
var ErrInvalid = errors.New("invalid vocabulary")

// Vocabulary is an immutable bijection between tokens and 1-based ids.
type Vocabulary struct {
	ids     map[string]int
	tokens  []string // tokens[id]; tokens[0] is always ""
	lower   bool
	filters string
	split   string
	// numWords mirrors the Keras num_words limit: ids >= numWords are dropped when encoding.
	numWords int
}

// New builds a vocabulary from a word index. Ids must be positive and unique.
func New(wordIndex map[string]int) (*Vocabulary, error) {
	return build(wordIndex, true, defaultFilters, defaultSplit, 0)
}

func build(wordIndex map[string]int, lower bool, filters, split string, numWords int) (*Vocabulary, error) {
	if len(wordIndex) == 0 {
		return nil, fmt.Errorf("%w: empty word index", ErrInvalid)
	}
	maxID := 0
	for word, id := range wordIndex {
		if word == "" {
			return nil, fmt.Errorf("%w: empty token", ErrInvalid)
		}
		if id <= Padding {
			return nil, fmt.Errorf("%w: token %q has reserved id %d", ErrInvalid, word, id)
		}
		if id > maxID {
			maxID = id
		}
	}
	tokens := make([]string, maxID+1)
	ids := make(map[string]int, len(wordIndex))
	for word, id := range wordIndex {
		if prev := tokens[id]; prev != "" {
			return nil, fmt.Errorf("%w: id %d assigned to both %q and %q", ErrInvalid, id, prev, word)
		}
		tokens[id] = word
		ids[word] = id
	}
	if split == "" {
		split = defaultSplit
	}
	return &Vocabulary{
		ids:      ids,
		tokens:   tokens,
		lower:    lower,
		filters:  filters,
		split:    split,
		numWords: numWords,
	}, nil
}

// Load reads a vocabulary file. Two layouts are accepted: a flat {"token": id} object, or the
// document written by Keras Tokenizer.to_json(), whose config.word_index is itself JSON text.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing vocabulary %s: %w", path, err)
	}
	return v, nil
}

type kerasTokenizerJSON struct {
	ClassName string `json:"class_name"`
	Config    struct {
		NumWords  *int    `json:"num_words"`
		Filters   *string `json:"filters"`
		Lower     *bool   `json:"lower"`
		Split     *string `json:"split"`
		WordIndex string  `json:"word_index"`
	} `json:"config"`
}

// Parse decodes vocabulary JSON in either accepted layout.
func Parse(data []byte) (*Vocabulary, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, ok := top["config"]; ok {
		return parseKeras(data)
	}
	var wordIndex map[string]int
	if err := json.Unmarshal(data, &wordIndex); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return New(wordIndex)
}

func parseKeras(data []byte) (*Vocabulary, error) {
	var doc kerasTokenizerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.Config.WordIndex == "" {
		return nil, fmt.Errorf("%w: tokenizer config has no word_index", ErrInvalid)
	}
	var wordIndex map[string]int
	if err := json.Unmarshal([]byte(doc.Config.WordIndex), &wordIndex); err != nil {
		return nil, fmt.Errorf("%w: word_index: %v", ErrInvalid, err)
	}
	lower, filters, split, numWords := true, defaultFilters, defaultSplit, 0
	if doc.Config.Lower != nil {
		lower = *doc.Config.Lower
	}
	if doc.Config.Filters != nil {
		filters = *doc.Config.Filters
	}
	if doc.Config.Split != nil {
		split = *doc.Config.Split
	}
	if doc.Config.NumWords != nil {
		numWords = *doc.Config.NumWords
	}
	return build(wordIndex, lower, filters, split, numWords)
}

// Size returns the number of tokens.
func (v *Vocabulary) Size() int {
	return len(v.ids)
}

// OutputSize returns the width of the sequence model's output layer: the largest id plus one.
func (v *Vocabulary) OutputSize() int {
	return len(v.tokens)
}

// Token resolves id to its token. The padding id and unknown ids report false.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id <= Padding || id >= len(v.tokens) {
		return "", false
	}
	tok := v.tokens[id]
	return tok, tok != ""
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Contains reports whether token is in the vocabulary.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.ids[token]
	return ok
}

// Encode turns text into ids the way the training tokenizer did: lowercase, replace filter
// characters with the split string, split, and drop words that are unknown or beyond numWords.
func (v *Vocabulary) Encode(text string) []int64 {
	if v.lower {
		text = strings.ToLower(text)
	}
	if v.filters != "" {
		var b strings.Builder
		for _, r := range text {
			if strings.ContainsRune(v.filters, r) {
				b.WriteString(v.split)
				continue
			}
			b.WriteRune(r)
		}
		text = b.String()
	}
	var ids []int64
	for _, word := range v.splitWords(text) {
		id, ok := v.ids[word]
		if !ok {
			continue
		}
		if v.numWords > 0 && id >= v.numWords {
			continue
		}
		ids = append(ids, int64(id))
	}
	return ids
}

// splitWords splits on the split string, treating runs as one separator.
func (v *Vocabulary) splitWords(text string) []string {
	parts := strings.Split(text, v.split)
	words := parts[:0]
	for _, p := range parts {
		if p != "" {
			words = append(words, p)
		}
	}
	return words
}

// EncodeTokens encodes an already tokenized sequence.
func (v *Vocabulary) EncodeTokens(tokens []string) []int64 {
	return v.Encode(strings.Join(tokens, v.split))
}
