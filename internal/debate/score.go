package debate

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// neutralScore is recorded when the scorer's reply cannot be parsed at all.
const neutralScore = 5

var (
	scoreObjectRe  = regexp.MustCompile(`\{[^{}]*"score"[^{}]*\}`)
	scoreKeywordRe = regexp.MustCompile(`(?i)\bscore\b[^0-9]{0,12}(10|[1-9])\b`)
	bareNumberRe   = regexp.MustCompile(`\b(10|[1-9])\b`)
)

// parseScore extracts an integer score in [1,10] from a scorer reply. It
// tries, in order: a JSON object carrying a "score" field, an integer near
// the word "score", and the first bare integer in range. A reply that
// yields nothing scores neutral.
func parseScore(reply string) (score int, parsed bool) {
	if m := scoreObjectRe.FindString(reply); m != "" {
		var obj struct {
			Score json.Number `json:"score"`
		}
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			if f, err := obj.Score.Float64(); err == nil {
				if s, ok := clampScore(int(f + 0.5)); ok {
					return s, true
				}
			}
		}
	}

	if m := scoreKeywordRe.FindStringSubmatch(reply); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			if s, ok := clampScore(n); ok {
				return s, true
			}
		}
	}

	if m := bareNumberRe.FindStringSubmatch(strings.TrimSpace(reply)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			if s, ok := clampScore(n); ok {
				return s, true
			}
		}
	}

	return neutralScore, false
}

func clampScore(n int) (int, bool) {
	if n < 1 || n > 10 {
		return 0, false
	}
	return n, true
}
