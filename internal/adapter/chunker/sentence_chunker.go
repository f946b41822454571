package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"ragkb/internal/domain"
)

// CharsPerToken approximates the number of characters in one model token.
const CharsPerToken = 4

// DefaultMaxTokens is the chunk budget used when none is configured.
const DefaultMaxTokens = 500

// SentenceChunker packs whole sentences into chunks of at most maxChars
// characters. A sentence longer than maxChars becomes its own chunk.
type SentenceChunker struct {
	maxChars int
}

func NewSentenceChunker(maxTokens, charsPerToken int) *SentenceChunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if charsPerToken <= 0 {
		charsPerToken = CharsPerToken
	}
	return &SentenceChunker{maxChars: maxTokens * charsPerToken}
}

func (c *SentenceChunker) MaxChars() int {
	return c.maxChars
}

func (c *SentenceChunker) Chunk(doc domain.Document, content string) ([]domain.Chunk, error) {
	texts := Split(content, c.maxChars)
	if len(texts) == 0 {
		return nil, nil
	}

	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			SourceID: doc.ID,
			Sequence: i,
			Text:     text,
		}
	}
	return chunks, nil
}

// Split divides text into chunks. Sentences end at '.', '!' or '?' followed
// by whitespace; they are joined back with a single space. Lengths are
// counted in runes.
func Split(text string, maxChars int) []string {
	if maxChars < 1 {
		maxChars = DefaultMaxTokens * CharsPerToken
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	for _, sentence := range splitSentences(text) {
		n := utf8.RuneCountInString(sentence)

		if currentLen > 0 && currentLen+1+n > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}

		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}

	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	prevTerminal := false

	for i, r := range text {
		if unicode.IsSpace(r) && prevTerminal {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				sentences = append(sentences, s)
			}
			start = i
		}
		prevTerminal = r == '.' || r == '!' || r == '?'
	}

	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
