// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"math"
	"strings"
)

const bleuMaxOrder = 4

// CorpusBLEU computes corpus-level BLEU-4 with brevity penalty over
// tokenized references and hypotheses. It returns a score in [0, 100].
func CorpusBLEU(refs, hyps [][]string) (float64, error) {
	if len(refs) != len(hyps) {
		return 0, fmt.Errorf("reference/hypothesis count mismatch: %d vs %d", len(refs), len(hyps))
	}
	if len(refs) == 0 {
		return 0, fmt.Errorf("empty corpus")
	}

	var refLen, hypLen int
	matches := make([]int, bleuMaxOrder)
	totals := make([]int, bleuMaxOrder)

	for i := range refs {
		refLen += len(refs[i])
		hypLen += len(hyps[i])
		for n := 1; n <= bleuMaxOrder; n++ {
			refCounts := ngramCounts(refs[i], n)
			hypCounts := ngramCounts(hyps[i], n)
			for gram, count := range hypCounts {
				totals[n-1] += count
				if rc := refCounts[gram]; rc > 0 {
					if count < rc {
						matches[n-1] += count
					} else {
						matches[n-1] += rc
					}
				}
			}
		}
	}

	logPrecisionSum := 0.0
	for n := 0; n < bleuMaxOrder; n++ {
		if matches[n] == 0 || totals[n] == 0 {
			return 0, nil
		}
		logPrecisionSum += math.Log(float64(matches[n]) / float64(totals[n]))
	}

	bp := 1.0
	if hypLen < refLen {
		bp = math.Exp(1 - float64(refLen)/float64(hypLen))
	}
	return 100 * bp * math.Exp(logPrecisionSum/bleuMaxOrder), nil
}

func ngramCounts(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return counts
}
