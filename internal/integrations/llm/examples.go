package llm

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"billtracker/internal/domain"
)

// maxExamplesPerStage keeps one common stage from filling every prompt slot.
const maxExamplesPerStage = 2

// ordinals maps spelled-out readings to the form stage ids use.
var ordinals = map[string]string{
	"first":  "1st",
	"second": "2nd",
	"third":  "3rd",
	"fourth": "4th",
}

// stems folds the inflections legislatures use for the same procedural act.
var stems = map[string]string{
	"referred": "refer", "referral": "refer", "refers": "refer", "rereferred": "refer",
	"passed": "pass", "passes": "pass", "passage": "pass",
	"reported": "report", "reports": "report",
	"scheduled": "schedule", "schedules": "schedule", "calendared": "schedule", "calendar": "schedule",
	"signed": "sign", "signs": "sign", "signature": "sign",
	"vetoed": "veto", "vetoes": "veto",
	"adopted": "adopt", "adopts": "adopt", "adoption": "adopt",
	"amended": "amend", "amendment": "amend", "amendments": "amend",
	"enacted": "enact", "chaptered": "enact", "chapter": "enact",
	"introduced": "introduce", "filed": "introduce", "prefiled": "introduce",
	"readings": "reading", "read": "reading",
	"committees": "committee", "subcommittee": "committee",
	"assembly": "house", "representatives": "house",
}

// statusStopwords are words common to every status line.
var statusStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "be": true,
	"bill": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "the": true, "to": true,
	"was": true, "with": true, "hb": true, "sb": true, "hr": true, "status": true,
}

// statusTerms reduces status text to procedural terms plus adjacent pairs,
// so "passed second reading" and "2nd reading passed" share "2nd|reading".
// Dates and bare numbers are dropped.
func statusTerms(s string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if o, ok := ordinals[w]; ok {
			w = o
		}
		if st, ok := stems[w]; ok {
			w = st
		}
		if statusStopwords[w] || isNumber(w) {
			continue
		}
		words = append(words, w)
	}
	terms := append([]string(nil), words...)
	for i := 1; i < len(words); i++ {
		terms = append(terms, words[i-1]+"|"+words[i])
	}
	return terms
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

type termVec map[string]float64

// precedentIndex ranks confirmed status texts by similarity to the text
// being classified. Weights are sublinear term frequency times smoothed
// inverse document frequency.
type precedentIndex struct {
	idf   map[string]float64
	docs  []termVec
	norms []float64
	items []domain.LabeledExample
}

func newPrecedentIndex(items []domain.LabeledExample) *precedentIndex {
	idx := &precedentIndex{idf: make(map[string]float64), items: items}
	if len(items) == 0 {
		return idx
	}

	counts := make([]map[string]int, len(items))
	df := make(map[string]int)
	for i, item := range items {
		tf := make(map[string]int)
		for _, term := range statusTerms(item.StatusText) {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		counts[i] = tf
	}

	n := float64(len(items))
	for term, d := range df {
		idx.idf[term] = math.Log((1+n)/(1+float64(d))) + 1
	}
	idx.docs = make([]termVec, len(items))
	idx.norms = make([]float64, len(items))
	for i, tf := range counts {
		idx.docs[i], idx.norms[i] = idx.weigh(tf)
	}
	return idx
}

// weigh ignores terms the index has never seen.
func (idx *precedentIndex) weigh(tf map[string]int) (termVec, float64) {
	vec := make(termVec, len(tf))
	var norm float64
	for term, count := range tf {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		w := (1 + math.Log(float64(count))) * idf
		vec[term] = w
		norm += w * w
	}
	return vec, math.Sqrt(norm)
}

// nearest returns up to k examples sharing a term with query, best first and
// at most maxExamplesPerStage per stage. Ties keep storage order, which is
// newest first.
func (idx *precedentIndex) nearest(query string, k int) []domain.LabeledExample {
	if len(idx.items) == 0 || k <= 0 {
		return nil
	}
	tf := make(map[string]int)
	for _, term := range statusTerms(query) {
		tf[term]++
	}
	qvec, qnorm := idx.weigh(tf)
	if qnorm == 0 {
		return nil
	}

	type match struct {
		index int
		score float64
	}
	var matches []match
	for i, doc := range idx.docs {
		if idx.norms[i] == 0 {
			continue
		}
		var dot float64
		for term, w := range qvec {
			dot += w * doc[term]
		}
		if dot > 0 {
			matches = append(matches, match{i, dot / (qnorm * idx.norms[i])})
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].score > matches[b].score
	})

	perStage := make(map[string]int)
	var out []domain.LabeledExample
	for _, m := range matches {
		ex := idx.items[m.index]
		if perStage[ex.StageID] >= maxExamplesPerStage {
			continue
		}
		perStage[ex.StageID]++
		out = append(out, ex)
		if len(out) == k {
			break
		}
	}
	return out
}
