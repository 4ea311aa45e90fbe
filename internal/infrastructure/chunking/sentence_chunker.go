package chunking

import (
	"iter"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/sentences"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const (
	DefaultMaxChars         = 1500
	DefaultOverlapSentences = 2
)

// SentenceChunker packs whole sentences into windows of at most MaxChars
// characters, repeating the trailing OverlapSentences of each window at the
// start of the next one.
type SentenceChunker struct {
	MaxChars         int
	OverlapSentences int
}

func NewSentenceChunker(maxChars, overlapSentences int) *SentenceChunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	return &SentenceChunker{
		MaxChars:         maxChars,
		OverlapSentences: overlapSentences,
	}
}

func (c *SentenceChunker) Chunk(parentFingerprint, body string) iter.Seq[domain.Chunk] {
	return Chunk(parentFingerprint, body, c.MaxChars, c.OverlapSentences)
}

type sentence struct {
	start int
	end   int
	runes int
}

// Chunk lazily yields the chunks of body. Each range over the returned
// sequence re-segments the body, so the sequence can be consumed repeatedly.
// A sentence longer than maxChars becomes a chunk of its own.
func Chunk(parentFingerprint, body string, maxChars, overlapSentences int) iter.Seq[domain.Chunk] {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	return func(yield func(domain.Chunk) bool) {
		var (
			buf      []sentence
			bufRunes int
			seeded   int
			index    int
		)

		emit := func() bool {
			first, last := buf[0], buf[len(buf)-1]
			overlapChars := 0
			if seeded > 0 {
				overlapChars = buf[seeded-1].end - first.start
			}
			chunk := domain.Chunk{
				ParentFingerprint: parentFingerprint,
				Index:             index,
				Text:              body[first.start:last.end],
				CharRange:         domain.CharRange{Start: first.start, End: last.end},
				OverlapSentences:  seeded,
				OverlapChars:      overlapChars,
			}
			index++
			return yield(chunk)
		}

		seg := sentences.FromString(body)
		for seg.Next() {
			next := sentence{
				start: seg.Start(),
				end:   seg.End(),
				runes: utf8.RuneCountInString(seg.Value()),
			}

			if len(buf) > seeded && bufRunes+next.runes > maxChars {
				if !emit() {
					return
				}
				keep := min(overlapSentences, len(buf)-1)
				buf = append(buf[:0:0], buf[len(buf)-keep:]...)
				seeded = keep
				bufRunes = 0
				for _, s := range buf {
					bufRunes += s.runes
				}
			}

			// Shed overlap from the front until the next sentence fits.
			for seeded > 0 && bufRunes+next.runes > maxChars {
				bufRunes -= buf[0].runes
				buf = buf[1:]
				seeded--
			}

			buf = append(buf, next)
			bufRunes += next.runes
		}

		if len(buf) > seeded {
			emit()
		}
	}
}
