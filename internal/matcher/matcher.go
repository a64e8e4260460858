// Package matcher decides which pending question an inbound channel message
// answers.
package matcher

import (
	"strings"

	"github.com/kalambet/askgram/internal/storage"
)

// Rule names the policy step that produced a match.
type Rule string

const (
	RuleReplyLink Rule = "reply_link"
	RulePrefix    Rule = "prefix"
	RuleRecency   Rule = "recency"
)

// Event is an inbound message from the channel.
type Event struct {
	Text      string
	MessageID string
	ReplyToID string // channel id of the message this one replies to; empty if none
}

// Result is a successful match.
type Result struct {
	Question storage.Question
	Answer   string
	Rule     Rule
}

// Match resolves ev against pending, which must be ordered newest first.
//
// Rules are tried in order and the first hit wins:
//  1. reply link: ev.ReplyToID equals a record's ExternalRef
//  2. prefix: the text reads "<id>: <answer>" for a pending id
//  3. recency: the newest pending record takes the whole text
//
// Rule 3 applies even when several records are pending, so an unprefixed
// reply to an older question is attributed to the newest one.
func Match(ev Event, pending []storage.Question) (Result, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" || len(pending) == 0 {
		return Result{}, false
	}

	if ev.ReplyToID != "" {
		for _, q := range pending {
			if q.ExternalRef != "" && q.ExternalRef == ev.ReplyToID {
				return Result{Question: q, Answer: text, Rule: RuleReplyLink}, true
			}
		}
	}

	for _, q := range pending {
		if answer, ok := prefixAnswer(text, q.ID); ok {
			return Result{Question: q, Answer: answer, Rule: RulePrefix}, true
		}
	}

	return Result{Question: pending[0], Answer: text, Rule: RuleRecency}, true
}

// prefixAnswer extracts the answer from "<id>:<space>*<answer>". The answer may
// span several lines and must be non-empty once trimmed.
func prefixAnswer(text, id string) (string, bool) {
	rest, ok := strings.CutPrefix(text, id+":")
	if !ok {
		return "", false
	}
	answer := strings.TrimSpace(rest)
	return answer, answer != ""
}
