// Package tokenizer implements the byte-level BPE tokenizer used by
// GGUF checkpoints, built entirely from the model's own metadata:
// vocabulary, merge ranks, pre-tokenizer flavor and special token ids.
package tokenizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/23skdu/bitbow/internal/gguf"
)

type pair struct {
	a, b string
}

type Tokenizer struct {
	encoder      map[string]int
	decoder      []string
	ranks        map[pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	ignoreMerges bool
	specials     []string

	addBOS bool
	bosID  int
	eosID  int
	unkID  int
	stop   map[int]struct{}

	template TemplateKind
}

// Go regexp has no lookahead, so both patterns fold the trailing
// whitespace branch into a plain \s+ alternative.
var (
	gpt2Pattern   = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	llama3Pattern = regexp.MustCompile(`(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)
)

// FromGGUF builds the tokenizer from checkpoint metadata.
func FromGGUF(f *gguf.File) (*Tokenizer, error) {
	tokens, ok := f.GetStrings("tokenizer.ggml.tokens")
	if !ok || len(tokens) == 0 {
		return nil, fmt.Errorf("missing tokenizer.ggml.tokens: %w", gguf.ErrCorrupt)
	}
	merges, _ := f.GetStrings("tokenizer.ggml.merges")

	encoder := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		encoder[tok] = i
	}

	ranks := make(map[pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := pair{a: parts[0], b: parts[1]}
		if _, seen := ranks[p]; !seen {
			ranks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	types, _ := f.GetInts("tokenizer.ggml.token_type")

	pattern := gpt2Pattern
	ignoreMerges := false
	pre, _ := f.GetString("tokenizer.ggml.pre")
	switch pre {
	case "llama3", "llama-v3", "llama-bpe", "falcon3", "pixtral":
		pattern = llama3Pattern
		ignoreMerges = true
	}

	t := &Tokenizer{
		encoder:      encoder,
		decoder:      tokens,
		ranks:        ranks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      pattern,
		ignoreMerges: ignoreMerges,
		specials:     collectSpecials(tokens, types),
		bosID:        -1,
		eosID:        -1,
		unkID:        -1,
		stop:         make(map[int]struct{}),
	}

	if id, ok := f.GetUint("tokenizer.ggml.bos_token_id"); ok {
		t.bosID = int(id)
	} else {
		t.bosID = findToken(encoder, "<s>", "<|begin_of_text|>", "<|endoftext|>")
	}
	if id, ok := f.GetUint("tokenizer.ggml.eos_token_id"); ok {
		t.eosID = int(id)
	} else {
		t.eosID = findToken(encoder, "</s>", "<|end_of_text|>", "<|endoftext|>")
	}
	if id, ok := f.GetUint("tokenizer.ggml.unknown_token_id"); ok {
		t.unkID = int(id)
	} else {
		t.unkID = findToken(encoder, "<unk>")
	}
	if addBOS, ok := f.GetBool("tokenizer.ggml.add_bos_token"); ok {
		t.addBOS = addBOS
	} else {
		t.addBOS = t.bosID >= 0
	}

	// The end-of-turn stop set: the model eos plus the template
	// terminators present in the vocabulary.
	if t.eosID >= 0 {
		t.stop[t.eosID] = struct{}{}
	}
	for _, name := range []string{"<|eot_id|>", "<|im_end|>", "<|end_of_text|>"} {
		if id, ok := encoder[name]; ok {
			t.stop[id] = struct{}{}
		}
	}

	t.template = detectTemplate(encoder)
	return t, nil
}

func findToken(encoder map[string]int, names ...string) int {
	for _, n := range names {
		if id, ok := encoder[n]; ok {
			return id
		}
	}
	return -1
}

// Encode tokenizes text. When addBOS is true and the vocabulary has a
// BOS token, it is prepended.
func (t *Tokenizer) Encode(text string, addBOS bool) ([]int, error) {
	var ids []int
	if addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.specials) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, chunk := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(chunk)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("token %q not in vocabulary", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Decode converts ids back to text. BOS and EOS markers are dropped;
// every other token round-trips byte-exactly.
func (t *Tokenizer) Decode(ids []int) string {
	var b []byte
	for _, id := range ids {
		if id == t.bosID || id == t.eosID {
			continue
		}
		b = append(b, t.TokenBytes(id)...)
	}
	return string(b)
}

// TokenBytes returns the raw bytes a single token id stands for.
func (t *Tokenizer) TokenBytes(id int) []byte {
	if id < 0 || id >= len(t.decoder) {
		return nil
	}
	var b []byte
	for _, r := range t.decoder[id] {
		if by, ok := t.byteDecoder[string(r)]; ok {
			b = append(b, by)
		} else {
			b = append(b, string(r)...)
		}
	}
	return b
}

// TokenText returns the vocabulary entry for an id, mostly for
// inspection tooling.
func (t *Tokenizer) TokenText(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *Tokenizer) VocabSize() int { return len(t.decoder) }
func (t *Tokenizer) BOS() int       { return t.bosID }
func (t *Tokenizer) EOS() int       { return t.eosID }
func (t *Tokenizer) AddBOS() bool   { return t.addBOS }

// IsStop reports whether id terminates a generation turn.
func (t *Tokenizer) IsStop(id int) bool {
	_, ok := t.stop[id]
	return ok
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *Tokenizer) bpe(token string) []string {
	if cached, ok := t.cache[token]; ok {
		return cached
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}

	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		var best pair
		found := false
		for p := range pairs {
			if r, ok := t.ranks[p]; ok && r < bestRank {
				bestRank = r
				best = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, best)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[pair]struct{} {
	pairs := make(map[pair]struct{})
	for i := 1; i < len(word); i++ {
		pairs[pair{a: word[i-1], b: word[i]}] = struct{}{}
	}
	return pairs
}

func mergePair(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

type textPart struct {
	text      string
	isSpecial bool
}

// tokenTypeControl is the llama.cpp token_type value for control
// tokens, which must never be produced by byte-level merging.
const tokenTypeControl = 3

func collectSpecials(tokens []string, types []int) []string {
	var out []string
	for i, tok := range tokens {
		switch {
		case i < len(types) && types[i] == tokenTypeControl && len(tok) > 1:
			out = append(out, tok)
		case strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>") && len(tok) >= 4:
			out = append(out, tok)
		}
	}
	// Longest match wins during splitting.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if i+len(sp) <= len(text) && text[i:i+len(sp)] == sp {
				match = sp
				break
			}
		}
		if match == "" {
			buf.WriteByte(text[i])
			i++
			continue
		}
		if buf.Len() > 0 {
			parts = append(parts, textPart{text: buf.String()})
			buf.Reset()
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// bytesToUnicode builds the reversible byte alphabet of GPT-2 BPE:
// printable latin bytes map to themselves, everything else to the
// private range starting at U+0100.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := 0xA1; i <= 0xAC; i++ {
		bs = append(bs, i)
	}
	for i := 0xAE; i <= 0xFF; i++ {
		bs = append(bs, i)
	}

	cs := append([]int(nil), bs...)
	n := 0
	for b := 0; b < 256; b++ {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	enc := make(map[byte]string, len(bs))
	dec := make(map[string]byte, len(bs))
	for i := range bs {
		enc[byte(bs[i])] = string(rune(cs[i]))
		dec[string(rune(cs[i]))] = byte(bs[i])
	}
	return enc, dec
}
