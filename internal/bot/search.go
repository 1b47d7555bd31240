package bot

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

const searchLimit = 5

// SubstringSearcher matches every query word against moment content and tags,
// ignoring case. It is used when no semantic searcher is configured.
type SubstringSearcher struct{}

func (SubstringSearcher) Search(_ context.Context, moments []schema.Moment, query string) ([]schema.Moment, error) {
	words := strings.Fields(fold(query))
	if len(words) == 0 {
		return nil, nil
	}
	type hit struct {
		m     schema.Moment
		score int
	}
	var hits []hit
	for _, m := range moments {
		hay := fold(m.Content + " " + strings.Join(m.Tags, " "))
		score := 0
		for _, w := range words {
			if strings.Contains(hay, w) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{m, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].m.CreatedAt.After(hits[j].m.CreatedAt)
	})
	if len(hits) > searchLimit {
		hits = hits[:searchLimit]
	}
	out := make([]schema.Moment, len(hits))
	for i, h := range hits {
		out[i] = h.m
	}
	return out, nil
}

var hashtag = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// HashtagTagger tags a moment with the #words it contains.
type HashtagTagger struct{}

func (HashtagTagger) Tags(_ context.Context, content string) ([]string, error) {
	tags := []string{}
	seen := map[string]bool{}
	for _, m := range hashtag.FindAllStringSubmatch(content, -1) {
		t := fold(m[1])
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
