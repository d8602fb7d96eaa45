// Package caption implements greedy word-by-word caption decoding over a sequence model.
package caption

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hyperjump/setsumei/internal/inference"
	"github.com/hyperjump/setsumei/internal/vocab"
)

// These constants are tied to the trained weights. The sequence model was trained on
// sequences of exactly MaxLength ids, left-padded with vocab.Padding and left-truncated.
const (
	MaxLength   = 34
	StartMarker = "start"
	EndMarker   = "end"
	// NoCaption is returned when decoding produced nothing but markers.
	NoCaption = "No caption generated"
)

// StopReason records why decoding ended.
type StopReason string

const (
	StopEndMarker StopReason = "end_marker"
	StopUnknownID StopReason = "unknown_id"
	StopMaxLength StopReason = "max_length"
)

// Result is the outcome of one decode.
type Result struct {
	// Tokens is the raw sequence including markers.
	Tokens  []string   `json:"tokens"`
	Caption string     `json:"caption"`
	Steps   int        `json:"steps"`
	Stop    StopReason `json:"stop_reason"`
}

// Decoder runs greedy decoding. It holds no per-request state and is safe for concurrent use
// when the underlying model is.
type Decoder struct {
	model inference.SequenceModel
	vocab *vocab.Vocabulary
}

// NewDecoder returns a decoder over model and v.
func NewDecoder(model inference.SequenceModel, v *vocab.Vocabulary) *Decoder {
	return &Decoder{model: model, vocab: v}
}

// Decode generates a caption for the image features.
//
// Each step encodes the current tokens, pads them to MaxLength, and appends the argmax of the
// model output. Decoding stops when the argmax id does not resolve to a token (nothing is
// appended), when the end marker is appended, or when the sequence holds MaxLength tokens.
func (d *Decoder) Decode(ctx context.Context, features []float32) (*Result, error) {
	tokens := make([]string, 1, MaxLength)
	tokens[0] = StartMarker
	res := &Result{Stop: StopMaxLength}

	for len(tokens) < MaxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := PadSequence(d.vocab.EncodeTokens(tokens), MaxLength)
		probs, err := d.model.Predict(ctx, features, ids)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", res.Steps, err)
		}
		res.Steps++
		next, err := Argmax(probs)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", res.Steps, err)
		}
		word, ok := d.vocab.Token(next)
		if !ok {
			res.Stop = StopUnknownID
			break
		}
		tokens = append(tokens, word)
		if word == EndMarker {
			res.Stop = StopEndMarker
			break
		}
	}

	res.Tokens = tokens
	res.Caption = Finalize(tokens)
	return res, nil
}

// PadSequence left-pads ids with vocab.Padding to length n, keeping the last n ids when the
// sequence is longer.
func PadSequence(ids []int64, n int) []int64 {
	out := make([]int64, n)
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	copy(out[n-len(ids):], ids)
	return out
}

// Argmax returns the index of the largest value. Ties resolve to the lowest index and NaN
// never wins.
func Argmax(probs []float32) (int, error) {
	if len(probs) == 0 {
		return 0, fmt.Errorf("%w: empty distribution", inference.ErrUnexpectedOutput)
	}
	best := -1
	var bestVal float32
	for i, p := range probs {
		if math.IsNaN(float64(p)) {
			continue
		}
		if best < 0 || p > bestVal {
			best, bestVal = i, p
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: distribution is all NaN", inference.ErrUnexpectedOutput)
	}
	return best, nil
}

// Finalize drops the marker tokens and joins the rest with single spaces. An empty result
// becomes NoCaption.
func Finalize(tokens []string) string {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == StartMarker || tok == EndMarker || tok == "" {
			continue
		}
		words = append(words, tok)
	}
	if len(words) == 0 {
		return NoCaption
	}
	return strings.Join(words, " ")
}
