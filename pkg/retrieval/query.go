package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

// Query type labels used by the adaptive and hybrid-RRF strategies.
const (
	QueryKeyword  = "keyword"
	QuerySemantic = "semantic"
	QueryMixed    = "mixed"
)

// QueryInfo is derived deterministically from the query string and steers
// the adaptive fusion strategies.
type QueryInfo struct {
	Type            string
	Length          int
	WordCount       int
	IsInterrogative bool
	HasEntities     bool
}

// interrogativeMarkers signal a keyword-style lookup question.
var interrogativeMarkers = []string{
	"how", "what", "where", "when", "who", "why",
	"是", "什么", "哪里", "谁", "什么时候",
}

// entityMarkers signal an entity-bearing query: colons and possessives.
var entityMarkers = []string{":", "：", "'s", "的"}

// queryScanner matches all markers in one pass. Pattern ids below
// len(interrogativeMarkers) are interrogatives, the rest entity markers.
var queryScanner = func() *ahocorasick.Automaton {
	patterns := make([]string, 0, len(interrogativeMarkers)+len(entityMarkers))
	patterns = append(patterns, interrogativeMarkers...)
	patterns = append(patterns, entityMarkers...)
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic("retrieval: build query scanner: " + err.Error())
	}
	return ac
}()

// AnalyzeQuery classifies a query for the fusion layer. Short interrogative
// queries are keyword-style; long or entity-bearing queries are semantic;
// everything else is mixed.
func AnalyzeQuery(query string) QueryInfo {
	info := QueryInfo{
		Length:    utf8.RuneCountInString(query),
		WordCount: len(strings.Fields(query)),
	}

	haystack := []byte(strings.ToLower(query))
	for _, m := range queryScanner.FindAllOverlapping(haystack) {
		if m.PatternID < len(interrogativeMarkers) {
			info.IsInterrogative = true
		} else {
			info.HasEntities = true
		}
	}

	switch {
	case info.IsInterrogative && info.WordCount <= 5:
		info.Type = QueryKeyword
	case info.HasEntities || info.Length > 100:
		info.Type = QuerySemantic
	default:
		info.Type = QueryMixed
	}
	return info
}
