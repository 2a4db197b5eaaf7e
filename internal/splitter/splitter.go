package splitter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"rag-gateway/internal/models"
)

const (
	ModeChars  = "chars"
	ModeTokens = "tokens"

	defaultEncoding = "cl100k_base"
)

// Options configures a sliding window split. Size and Overlap are counted in
// code points for ModeChars and in tokens for ModeTokens.
type Options struct {
	Mode      string
	Size      int
	Overlap   int
	MaxChunks int
}

// Tokenizer turns text into token ids and back
type Tokenizer interface {
	EncodeOrdinary(text string) []int
	Decode(tokens []int) string
}

var (
	encMu sync.Mutex
	enc   Tokenizer

	loadEncoding = func() (Tokenizer, error) {
		t, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
)

// DefaultTokenizer returns the shared cl100k_base encoding. A failed load is
// not remembered, the next call tries again.
func DefaultTokenizer() (Tokenizer, error) {
	encMu.Lock()
	defer encMu.Unlock()
	if enc != nil {
		return enc, nil
	}
	t, err := loadEncoding()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load %s encoding: %v", models.ErrTokenizerUnavailable, defaultEncoding, err)
	}
	enc = t
	return enc, nil
}

// Split cuts text into overlapping windows. Every window holds at most
// opts.Size units, consecutive windows share exactly opts.Overlap units and
// only the last window may be shorter. When opts.MaxChunks is reached the
// last window runs to the end of the text instead.
func Split(text string, opts Options) ([]string, error) {
	switch opts.Mode {
	case ModeTokens:
		tok, err := DefaultTokenizer()
		if err != nil {
			return nil, err
		}
		return SplitTokens(text, opts, tok)
	case ModeChars, "":
		return SplitChars(text, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported chunk mode %q", models.ErrValidation, opts.Mode)
	}
}

// SplitChars splits on Unicode code points
func SplitChars(text string, opts Options) ([]string, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document contains no text", models.ErrParse)
	}

	runes := []rune(text)
	spans := opts.windows(len(runes))
	chunks := make([]string, 0, len(spans))
	for _, s := range spans {
		chunks = append(chunks, string(runes[s.start:s.end]))
	}
	return chunks, nil
}

// SplitTokens splits on the token ids produced by tok
func SplitTokens(text string, opts Options, tok Tokenizer) ([]string, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document contains no text", models.ErrParse)
	}

	tokens := tok.EncodeOrdinary(text)
	spans := opts.windows(len(tokens))
	chunks := make([]string, 0, len(spans))
	for _, s := range spans {
		chunks = append(chunks, tok.Decode(tokens[s.start:s.end]))
	}
	return chunks, nil
}

// Join reverses a split made with the given overlap in ModeChars
func Join(chunks []string, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		r := []rune(c)
		b.WriteString(string(r[min(overlap, len(r)):]))
	}
	return b.String()
}

type span struct {
	start, end int
}

func (o Options) validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be > 0", models.ErrValidation)
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		return fmt.Errorf("%w: chunk overlap must be >= 0 and < chunk size", models.ErrValidation)
	}
	return nil
}

func (o Options) windows(n int) []span {
	step := o.Size - o.Overlap
	var spans []span
	for start := 0; start < n; start += step {
		end := min(start+o.Size, n)
		if o.MaxChunks > 0 && len(spans) == o.MaxChunks-1 {
			end = n
		}
		spans = append(spans, span{start: start, end: end})
		if end == n {
			break
		}
	}
	return spans
}
