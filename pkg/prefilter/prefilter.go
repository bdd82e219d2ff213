// Package prefilter skips expressions whose required keywords are absent
// from the input, using a single Aho-Corasick pass.
package prefilter

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Prefilter uses Aho-Corasick for efficient keyword matching.
type Prefilter struct {
	matcher      *ahocorasick.Matcher
	keywords     []string         // keyword at each dictionary index
	keywordExprs map[string][]int // keyword -> expressions needing it
	always       []int            // expressions without keywords (always checked)
	size         int
}

// New creates a prefilter. keywords[i] lists the keywords of expression i;
// an expression is a candidate when any one of its keywords occurs. An
// expression without keywords is always a candidate.
func New(keywords [][]string) *Prefilter {
	pf := &Prefilter{
		keywordExprs: make(map[string][]int),
		size:         len(keywords),
	}

	seen := make(map[string]bool)
	for i, kws := range keywords {
		if len(kws) == 0 {
			pf.always = append(pf.always, i)
			continue
		}
		for _, kw := range kws {
			if !seen[kw] {
				seen[kw] = true
				pf.keywords = append(pf.keywords, kw)
			}
			pf.keywordExprs[kw] = append(pf.keywordExprs[kw], i)
		}
	}

	if len(pf.keywords) > 0 {
		pf.matcher = ahocorasick.NewStringMatcher(pf.keywords)
	}

	return pf
}

// Active reports whether any expression is filtered at all.
func (pf *Prefilter) Active() bool {
	return pf.matcher != nil
}

// Candidates marks in dst which expressions might match content. dst is
// resized to the number of expressions and returned. Safe for concurrent use.
func (pf *Prefilter) Candidates(content []byte, dst []bool) []bool {
	if cap(dst) < pf.size {
		dst = make([]bool, pf.size)
	}
	dst = dst[:pf.size]
	clear(dst)

	for _, i := range pf.always {
		dst[i] = true
	}
	if pf.matcher == nil {
		return dst
	}

	for _, hit := range pf.matcher.MatchThreadSafe(content) {
		for _, i := range pf.keywordExprs[pf.keywords[hit]] {
			dst[i] = true
		}
	}
	return dst
}

const metaChars = `\.+*?()|[]{}^$`

// Literal reports whether expr is a plain literal with no regex syntax,
// in which case the expression itself is its only keyword.
func Literal(expr string) bool {
	return expr != "" && !strings.ContainsAny(expr, metaChars)
}
