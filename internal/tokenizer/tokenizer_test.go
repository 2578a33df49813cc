package tokenizer

import (
	"testing"

	"github.com/23skdu/bitbow/internal/gguf"
)

// byteVocab returns a vocabulary holding the full reversible byte
// alphabet, so any text encodes without merges.
func byteVocab(extra ...string) []string {
	enc, _ := bytesToUnicode()
	tokens := []string{"<unk>", "<s>", "</s>"}
	tokens = append(tokens, extra...)
	for b := 0; b < 256; b++ {
		tokens = append(tokens, enc[byte(b)])
	}
	return tokens
}

func buildTokenizer(t *testing.T, tokens, merges []string, pre string) *Tokenizer {
	t.Helper()
	w := gguf.NewWriter()
	w.SetString("general.architecture", "bitnet")
	w.SetStringArray("tokenizer.ggml.tokens", tokens)
	w.SetStringArray("tokenizer.ggml.merges", merges)
	if pre != "" {
		w.SetString("tokenizer.ggml.pre", pre)
	}
	w.SetUint32("tokenizer.ggml.bos_token_id", 1)
	w.SetUint32("tokenizer.ggml.eos_token_id", 2)
	w.SetUint32("tokenizer.ggml.unknown_token_id", 0)
	w.SetBool("tokenizer.ggml.add_bos_token", true)

	f, err := gguf.Parse(w.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tok, err := FromGGUF(f)
	if err != nil {
		t.Fatalf("FromGGUF: %v", err)
	}
	return tok
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")

	cases := []string{
		"hello world",
		"Hello, World! 123",
		"tabs\tand\nnewlines",
		"unicode: héllo wörld",
		"emoji: \U0001F600 ok",
		"  leading and trailing  ",
		"",
	}
	for _, text := range cases {
		ids, err := tok.Encode(text, false)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		if got := tok.Decode(ids); got != text {
			t.Errorf("round trip of %q produced %q", text, got)
		}
	}
}

func TestEncodeAddsBOS(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")

	ids, err := tok.Encode("hi", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) == 0 || ids[0] != 1 {
		t.Fatalf("expected leading BOS id 1, got %v", ids)
	}

	plain, err := tok.Encode("hi", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(plain) != len(ids)-1 {
		t.Errorf("addBOS=false should drop exactly the BOS token: %v vs %v", plain, ids)
	}
}

func TestDecodeFiltersBOSAndEOS(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")
	ids, err := tok.Encode("ok", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wrapped := append([]int{1}, append(ids, 2)...)
	if got := tok.Decode(wrapped); got != "ok" {
		t.Errorf("expected markers dropped, got %q", got)
	}
}

func TestBPEMerges(t *testing.T) {
	tokens := byteVocab("he", "hell", "hello")
	tok := buildTokenizer(t, tokens, []string{"h e", "he l", "hel l", "hell o"}, "")

	ids, err := tok.Encode("hello", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 1 || tok.TokenText(ids[0]) != "hello" {
		texts := make([]string, len(ids))
		for i, id := range ids {
			texts[i] = tok.TokenText(id)
		}
		t.Fatalf("expected single merged token, got %v", texts)
	}
	if got := tok.Decode(ids); got != "hello" {
		t.Errorf("decode: %q", got)
	}
}

func TestSpecialTokensSplitOff(t *testing.T) {
	tokens := byteVocab("<|im_start|>", "<|im_end|>")
	tok := buildTokenizer(t, tokens, nil, "")

	ids, err := tok.Encode("a<|im_end|>b", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	found := false
	for _, id := range ids {
		if tok.TokenText(id) == "<|im_end|>" {
			found = true
		}
	}
	if !found {
		t.Fatal("special token was not encoded atomically")
	}
	if got := tok.Decode(ids); got != "a<|im_end|>b" {
		t.Errorf("decode: %q", got)
	}
}

func TestControlTokenTypeMarksSpecial(t *testing.T) {
	// "<mask>" does not match the <|...|> shape, so only its control
	// entry in tokenizer.ggml.token_type makes it split off atomically.
	tokens := byteVocab("<mask>")
	types := make([]uint32, len(tokens))
	for i := range types {
		types[i] = 1
	}
	types[3] = 3 // <mask>

	w := gguf.NewWriter()
	w.SetString("general.architecture", "bitnet")
	w.SetStringArray("tokenizer.ggml.tokens", tokens)
	w.SetUint32Array("tokenizer.ggml.token_type", types)
	w.SetUint32("tokenizer.ggml.bos_token_id", 1)
	w.SetUint32("tokenizer.ggml.eos_token_id", 2)
	w.SetUint32("tokenizer.ggml.unknown_token_id", 0)
	w.SetBool("tokenizer.ggml.add_bos_token", true)

	f, err := gguf.Parse(w.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tok, err := FromGGUF(f)
	if err != nil {
		t.Fatalf("FromGGUF: %v", err)
	}

	ids, err := tok.Encode("a<mask>b", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 3 || tok.TokenText(ids[1]) != "<mask>" {
		texts := make([]string, len(ids))
		for i, id := range ids {
			texts[i] = tok.TokenText(id)
		}
		t.Fatalf("expected atomic control token, got %v", texts)
	}
	if got := tok.Decode(ids); got != "a<mask>b" {
		t.Errorf("decode: %q", got)
	}
}

func TestStopTokenSet(t *testing.T) {
	tok := buildTokenizer(t, byteVocab("<|im_start|>", "<|im_end|>"), nil, "")

	if !tok.IsStop(2) {
		t.Error("eos must be a stop token")
	}
	imEnd, err := tok.Encode("<|im_end|>", false)
	if err != nil || len(imEnd) != 1 {
		t.Fatalf("encode im_end: %v %v", imEnd, err)
	}
	if !tok.IsStop(imEnd[0]) {
		t.Error("<|im_end|> must be a stop token")
	}
	notStop, _ := tok.Encode("a", false)
	if tok.IsStop(notStop[0]) {
		t.Error("ordinary token flagged as stop")
	}
}

func TestStreamDecoderSplitsNoRune(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")

	// "é" is two UTF-8 bytes; each encodes to its own byte token.
	ids, err := tok.Encode("é", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected two byte tokens, got %d", len(ids))
	}

	d := tok.NewStream()
	if got := d.Push(ids[0]); got != "" {
		t.Fatalf("first half of the rune leaked: %q", got)
	}
	if got := d.Push(ids[1]); got != "é" {
		t.Fatalf("expected completed rune, got %q", got)
	}
	if got := d.Flush(); got != "" {
		t.Errorf("flush after complete output: %q", got)
	}
}

func TestStreamDecoderASCIIImmediate(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")
	ids, _ := tok.Encode("ab", false)

	d := tok.NewStream()
	var out string
	for _, id := range ids {
		out += d.Push(id)
	}
	if out != "ab" {
		t.Errorf("expected immediate ascii output, got %q", out)
	}
}

func TestStreamDecoderSkipsMarkers(t *testing.T) {
	tok := buildTokenizer(t, byteVocab(), nil, "")
	d := tok.NewStream()
	if got := d.Push(1); got != "" {
		t.Errorf("bos leaked: %q", got)
	}
	if got := d.Push(2); got != "" {
		t.Errorf("eos leaked: %q", got)
	}
}

func TestTemplateDetection(t *testing.T) {
	chatml := buildTokenizer(t, byteVocab("<|im_start|>", "<|im_end|>"), nil, "")
	if chatml.Template() != TemplateChatML {
		t.Errorf("expected chatml, got %v", chatml.Template())
	}

	llama3 := buildTokenizer(t, byteVocab("<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>"), nil, "")
	if llama3.Template() != TemplateLlama3 {
		t.Errorf("expected llama3, got %v", llama3.Template())
	}

	plain := buildTokenizer(t, byteVocab(), nil, "")
	if plain.Template() != TemplatePlain {
		t.Errorf("expected plain, got %v", plain.Template())
	}
}

func TestRenderChat(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U"},
	}

	chatml := buildTokenizer(t, byteVocab("<|im_start|>", "<|im_end|>"), nil, "")
	want := "<|im_start|>system\nS<|im_end|>\n<|im_start|>user\nU<|im_end|>\n<|im_start|>assistant\n"
	if got := chatml.RenderChat(msgs); got != want {
		t.Errorf("chatml render:\n%q\nwant:\n%q", got, want)
	}

	llama3 := buildTokenizer(t, byteVocab("<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>"), nil, "")
	want = "<|start_header_id|>system<|end_header_id|>\n\nS<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nU<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	if got := llama3.RenderChat(msgs); got != want {
		t.Errorf("llama3 render:\n%q\nwant:\n%q", got, want)
	}

	plain := buildTokenizer(t, byteVocab(), nil, "")
	if got := plain.RenderChat(msgs); got != "S\nU" {
		t.Errorf("plain render: %q", got)
	}
}

func TestLlama3PreUsesIgnoreMerges(t *testing.T) {
	tokens := byteVocab("hello")
	tok := buildTokenizer(t, tokens, nil, "llama-bpe")
	if !tok.ignoreMerges {
		t.Fatal("llama-bpe pre-tokenizer should enable ignoreMerges")
	}
	ids, err := tok.Encode("hello", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 1 || tok.TokenText(ids[0]) != "hello" {
		t.Errorf("whole-word vocabulary hit should bypass merges, got %d tokens", len(ids))
	}
}
