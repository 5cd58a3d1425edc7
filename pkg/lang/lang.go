// Package lang resolves a runtime language code to the vocabulary and CTC
// output mask used to decode it.
//
// Profiles are loaded once at startup from two YAML tables keyed by language
// code: a vocabulary (code → ordered token list) and a mask (code → ordered
// list of global logit indices). Both are immutable afterwards and shared
// read-only by every decoder.
//
// Token ids are local to a profile. Ids 0..len(Tokens)-1 name vocabulary
// entries; the id len(Tokens) is the reserved blank, which also serves as the
// RNNT start-of-sequence token and is never rendered.
//
// Example vocabulary.yaml:
//
//	en: ["<unk>", "▁the", "▁a", "s"]
//	de: ["<unk>", "▁der", "▁die", "n"]
//
// Example masks.yaml:
//
//	en: [0, 17, 18, 41, 1024]
//	de: [0, 201, 202, 240, 1024]
package lang

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// WordBoundary marks the start of a word in sub-word vocabularies. It is
// rendered as a literal space.
const WordBoundary = "▁"

var (
	// ErrResourceLoad is returned when a vocabulary or mask table is missing
	// or malformed. It is fatal at setup.
	ErrResourceLoad = errors.New("lang: resource load failed")

	// ErrUnknownLanguage is returned by [Registry.Lookup] for a code with no
	// vocabulary.
	ErrUnknownLanguage = errors.New("lang: unknown language")

	// ErrNoMask is returned when a CTC decode is requested for a language
	// that has a vocabulary but no output mask.
	ErrNoMask = errors.New("lang: no output mask for language")
)

// Profile is the immutable per-language decoding table.
type Profile struct {
	// Code is the language code, e.g. "en".
	Code string

	// Tokens maps local token ids to text.
	Tokens []string

	// Mask maps local ids to global logit indices for CTC decoding. The last
	// entry addresses the blank logit. Nil when the language has no mask.
	Mask []int
}

// BlankID returns the reserved blank / start-of-sequence id.
func (p *Profile) BlankID() int { return len(p.Tokens) }

// Size returns the number of local ids including the blank.
func (p *Profile) Size() int { return len(p.Tokens) + 1 }

// HasMask reports whether the profile can drive the CTC decoder.
func (p *Profile) HasMask() bool { return len(p.Mask) > 0 }

// Render maps ids to text. Blank and out-of-range ids are skipped; the
// word-boundary marker becomes a space. The result has no leading or trailing
// whitespace.
func (p *Profile) Render(ids []int) string {
	var sb strings.Builder
	skipped := 0
	for _, id := range ids {
		if id < 0 || id >= len(p.Tokens) {
			if id != p.BlankID() {
				skipped++
			}
			continue
		}
		sb.WriteString(strings.ReplaceAll(p.Tokens[id], WordBoundary, " "))
	}
	if skipped > 0 {
		slog.Debug("lang: skipped out-of-vocabulary ids", "language", p.Code, "count", skipped)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Registry maps language codes to profiles.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry from vocabularies and masks. Every mask must
// belong to a language with a vocabulary and have exactly one entry per local
// id (tokens plus blank).
func NewRegistry(vocab map[string][]string, masks map[string][]int) (*Registry, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: vocabulary has no languages", ErrResourceLoad)
	}
	var errs []error
	profiles := make(map[string]*Profile, len(vocab))
	for code, tokens := range vocab {
		if len(tokens) == 0 {
			errs = append(errs, fmt.Errorf("%w: language %q has an empty vocabulary", ErrResourceLoad, code))
			continue
		}
		profiles[code] = &Profile{Code: code, Tokens: slices.Clone(tokens)}
	}
	for code, mask := range masks {
		p, ok := profiles[code]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: mask for %q has no vocabulary", ErrResourceLoad, code))
			continue
		}
		if len(mask) != p.Size() {
			errs = append(errs, fmt.Errorf("%w: mask for %q has %d entries, want %d (tokens + blank)", ErrResourceLoad, code, len(mask), p.Size()))
			continue
		}
		p.Mask = slices.Clone(mask)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Registry{profiles: profiles}, nil
}

// Load reads a vocabulary table and an optional mask table. An empty
// maskPath yields profiles without masks (RNNT-only).
func Load(vocabPath, maskPath string) (*Registry, error) {
	vf, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceLoad, err)
	}
	defer vf.Close()

	var mr io.Reader
	if maskPath != "" {
		mf, err := os.Open(maskPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceLoad, err)
		}
		defer mf.Close()
		mr = mf
	}
	return LoadFromReaders(vf, mr)
}

// LoadFromReaders parses a vocabulary table from vocab and, when masks is
// non-nil, a mask table.
func LoadFromReaders(vocab, masks io.Reader) (*Registry, error) {
	var v map[string][]string
	if err := decodeTable(vocab, &v); err != nil {
		return nil, fmt.Errorf("%w: vocabulary: %v", ErrResourceLoad, err)
	}
	var m map[string][]int
	if masks != nil {
		if err := decodeTable(masks, &m); err != nil {
			return nil, fmt.Errorf("%w: masks: %v", ErrResourceLoad, err)
		}
	}
	return NewRegistry(v, m)
}

func decodeTable(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty table")
		}
		return err
	}
	return nil
}

// Lookup returns the profile for code.
func (r *Registry) Lookup(code string) (*Profile, error) {
	p, ok := r.profiles[code]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
	}
	return p, nil
}

// LookupMasked returns the profile for code and fails with [ErrNoMask] if it
// cannot drive the CTC decoder.
func (r *Registry) LookupMasked(code string) (*Profile, error) {
	p, err := r.Lookup(code)
	if err != nil {
		return nil, err
	}
	if !p.HasMask() {
		return nil, fmt.Errorf("%w: %q", ErrNoMask, code)
	}
	return p, nil
}

// Languages returns the registered codes in sorted order.
func (r *Registry) Languages() []string {
	return slices.Sorted(maps.Keys(r.profiles))
}
