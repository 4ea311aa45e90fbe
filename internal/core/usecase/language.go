package usecase

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// locale carries the user-facing strings of one answer language.
type locale struct {
	tag       language.Tag
	code      string
	name      string
	noInfo    string
	mismatch  string
	stopwords []string
}

var knownLocales = []locale{
	{
		tag:       language.English,
		code:      "en",
		name:      "English",
		noInfo:    "No information available on this question in the sources for jurisdiction %s.",
		mismatch:  "Your question appears to concern %s, but this answer is limited to sources for %s.",
		stopwords: []string{"the", "is", "are", "what", "my", "how", "do", "does", "of", "and", "can", "i", "as", "a"},
	},
	{
		tag:       language.German,
		code:      "de",
		name:      "German",
		noInfo:    "Zu dieser Frage sind in den Quellen für %s keine Informationen verfügbar.",
		mismatch:  "Ihre Frage scheint %s zu betreffen, die Antwort stützt sich jedoch nur auf Quellen für %s.",
		stopwords: []string{"der", "die", "das", "und", "ist", "sind", "was", "wie", "meine", "mein", "ich", "als", "ein", "eine", "nicht", "für"},
	},
	{
		tag:       language.French,
		code:      "fr",
		name:      "French",
		noInfo:    "Aucune information disponible sur cette question dans les sources pour %s.",
		mismatch:  "Votre question semble concerner %s, mais cette réponse se limite aux sources pour %s.",
		stopwords: []string{"le", "la", "les", "est", "sont", "quels", "quelles", "mes", "comment", "et", "je", "un", "une", "des"},
	},
	{
		tag:       language.Spanish,
		code:      "es",
		name:      "Spanish",
		noInfo:    "No hay información disponible sobre esta pregunta en las fuentes para %s.",
		mismatch:  "Su pregunta parece referirse a %s, pero esta respuesta se limita a fuentes para %s.",
		stopwords: []string{"el", "los", "las", "es", "son", "cuáles", "mis", "cómo", "y", "yo", "una", "del", "qué"},
	},
	{
		tag:       language.Italian,
		code:      "it",
		name:      "Italian",
		noInfo:    "Nessuna informazione disponibile su questa domanda nelle fonti per %s.",
		mismatch:  "La sua domanda sembra riguardare %s, ma questa risposta si basa solo su fonti per %s.",
		stopwords: []string{"il", "lo", "gli", "è", "sono", "quali", "miei", "come", "e", "io", "una", "della", "che"},
	},
	{
		tag:       language.Dutch,
		code:      "nl",
		name:      "Dutch",
		noInfo:    "Geen informatie beschikbaar over deze vraag in de bronnen voor %s.",
		mismatch:  "Uw vraag lijkt over %s te gaan, maar dit antwoord is beperkt tot bronnen voor %s.",
		stopwords: []string{"de", "het", "een", "is", "zijn", "wat", "mijn", "hoe", "en", "ik", "als", "van"},
	},
	{
		tag:       language.Polish,
		code:      "pl",
		name:      "Polish",
		noInfo:    "Brak dostępnych informacji na ten temat w źródłach dla %s.",
		mismatch:  "Pytanie wydaje się dotyczyć %s, ale odpowiedź opiera się wyłącznie na źródłach dla %s.",
		stopwords: []string{"jest", "są", "jakie", "moje", "jak", "i", "w", "na", "czy", "się", "nie"},
	},
}

// Localizer picks the answer language and renders localized messages.
type Localizer struct {
	locales               []locale
	matcher               language.Matcher
	jurisdictionLanguages map[string]string
}

// NewLocalizer keeps the known locales listed in codes; the first entry is the fallback.
func NewLocalizer(codes []string, jurisdictionLanguages map[string]string) *Localizer {
	selected := make([]locale, 0, len(knownLocales))
	for _, code := range codes {
		for _, loc := range knownLocales {
			if strings.EqualFold(strings.TrimSpace(code), loc.code) {
				selected = append(selected, loc)
			}
		}
	}
	if len(selected) == 0 {
		selected = append(selected, knownLocales...)
	}

	tags := make([]language.Tag, 0, len(selected))
	for _, loc := range selected {
		tags = append(tags, loc.tag)
	}

	byJurisdiction := make(map[string]string, len(jurisdictionLanguages))
	for j, code := range jurisdictionLanguages {
		byJurisdiction[strings.ToUpper(strings.TrimSpace(j))] = code
	}

	return &Localizer{
		locales:               selected,
		matcher:               language.NewMatcher(tags),
		jurisdictionLanguages: byJurisdiction,
	}
}

// Resolve chooses the answer language: explicit request, then the query's
// own language, then the jurisdiction default, then the fallback.
func (l *Localizer) Resolve(requested, query, jurisdiction string) locale {
	if loc, ok := l.match(requested); ok {
		return loc
	}
	if loc, ok := l.detect(query); ok {
		return loc
	}
	if loc, ok := l.match(l.jurisdictionLanguages[strings.ToUpper(jurisdiction)]); ok {
		return loc
	}
	return l.locales[0]
}

func (l *Localizer) match(raw string) (locale, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return locale{}, false
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return locale{}, false
	}
	_, idx, confidence := l.matcher.Match(tag)
	if confidence == language.No {
		return locale{}, false
	}
	return l.locales[idx], true
}

// detect scores stopword hits; it needs two hits and a clear winner.
func (l *Localizer) detect(text string) (locale, bool) {
	words := tokenize(text)
	if len(words) == 0 {
		return locale{}, false
	}
	seen := make(map[string]int, len(words))
	for _, w := range words {
		seen[w]++
	}

	best, second, bestIdx := 0, 0, -1
	for i, loc := range l.locales {
		score := 0
		for _, sw := range loc.stopwords {
			score += seen[sw]
		}
		switch {
		case score > best:
			second = best
			best, bestIdx = score, i
		case score > second:
			second = score
		}
	}
	if bestIdx < 0 || best < 2 || best == second {
		return locale{}, false
	}
	return l.locales[bestIdx], true
}

func (loc locale) noInformation(jurisdiction string) string {
	return fmt.Sprintf(loc.noInfo, jurisdictionName(loc, jurisdiction))
}

func (loc locale) mismatchWarning(detected, requested string) string {
	return fmt.Sprintf(loc.mismatch, jurisdictionName(loc, detected), jurisdictionName(loc, requested))
}

// jurisdictionName renders ISO region codes in the answer language and keeps other codes verbatim.
func jurisdictionName(loc locale, code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	name := display.Regions(loc.tag).Name(region)
	if name == "" {
		return code
	}
	return name
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// JurisdictionCues maps a jurisdiction code to phrases that suggest a query is about it.
type JurisdictionCues map[string][]string

// detectMismatch returns the jurisdiction other than requested whose cues
// the query matches most often, or "" when none matches.
func (c JurisdictionCues) detectMismatch(query, requested string) string {
	padded := " " + strings.Join(tokenize(query), " ") + " "
	requested = strings.ToUpper(requested)

	codes := make([]string, 0, len(c))
	for code := range c {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	bestCode, bestHits := "", 0
	for _, code := range codes {
		if strings.ToUpper(code) == requested {
			continue
		}
		hits := 0
		for _, cue := range c[code] {
			needle := strings.Join(tokenize(cue), " ")
			if needle == "" {
				continue
			}
			hits += strings.Count(padded, " "+needle+" ")
		}
		if hits > bestHits {
			bestCode, bestHits = strings.ToUpper(code), hits
		}
	}
	return bestCode
}
