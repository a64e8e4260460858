package relay

import (
	"context"
	"strings"

	"github.com/kalambet/askgram/internal/matcher"
	"github.com/kalambet/askgram/internal/telegram"
)

// InboundEvent is a message delivered by the channel, by webhook or long poll.
type InboundEvent struct {
	UpdateID  int64
	ChatID    string
	MessageID string
	Text      string
	ReplyToID string
}

// EventFromUpdate converts a Telegram update. It reports false for updates
// that carry no message.
func EventFromUpdate(u telegram.Update) (InboundEvent, bool) {
	if u.Message == nil {
		return InboundEvent{}, false
	}
	ev := InboundEvent{
		UpdateID:  u.UpdateID,
		ChatID:    telegram.FormatID(u.Message.Chat.ID),
		MessageID: telegram.FormatID(u.Message.MessageID),
		Text:      u.Message.Text,
	}
	if u.Message.ReplyToMessage != nil {
		ev.ReplyToID = telegram.FormatID(u.Message.ReplyToMessage.MessageID)
	}
	return ev, true
}

// Outcome classifies what HandleInbound did with an event.
type Outcome string

const (
	OutcomeMatched      Outcome = "matched"
	OutcomeEmpty        Outcome = "empty"
	OutcomeForeignChat  Outcome = "foreign_chat"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeNoCandidates Outcome = "no_candidates"
	OutcomeLostRace     Outcome = "lost_race"
	OutcomeError        Outcome = "error"
)

// InboundOutcome reports the result of routing one inbound event.
type InboundOutcome struct {
	Outcome    Outcome
	QuestionID string
	Owner      string
	Rule       matcher.Rule
}

// HandleInbound routes a channel message to at most one pending question.
// Inbound messages do not identify the owner, so it scans up to ScanLimit
// owners with pending questions, newest activity first, and stops at the
// first owner whose pending set matches. It never returns an error; every
// outcome is logged and reported.
func (s *Service) HandleInbound(ctx context.Context, ev InboundEvent) InboundOutcome {
	log := s.logger.With("update_id", ev.UpdateID, "message_id", ev.MessageID)

	if strings.TrimSpace(ev.Text) == "" {
		log.Debug("ignoring inbound event without text")
		return InboundOutcome{Outcome: OutcomeEmpty}
	}
	if s.chatID != "" && ev.ChatID != s.chatID {
		log.Debug("ignoring message from other chat", "chat_id", ev.ChatID)
		return InboundOutcome{Outcome: OutcomeForeignChat}
	}
	if ev.UpdateID != 0 && s.seen.CheckAndMark(ev.UpdateID) {
		log.Debug("ignoring redelivered update")
		return InboundOutcome{Outcome: OutcomeDuplicate}
	}

	owners, err := s.store.ListActiveOwners(ctx, s.scanLimit)
	if err != nil {
		log.Error("listing active owners", "error", err)
		return InboundOutcome{Outcome: OutcomeError}
	}

	event := matcher.Event{Text: ev.Text, MessageID: ev.MessageID, ReplyToID: ev.ReplyToID}
	for _, owner := range owners {
		out, matched := s.matchOwner(ctx, owner, event)
		if matched {
			return out
		}
		if out.Outcome == OutcomeError {
			return out
		}
	}

	log.Info("inbound message matched no pending question", "owners_scanned", len(owners))
	return InboundOutcome{Outcome: OutcomeNoCandidates}
}

// matchOwner runs the matcher against one owner's pending set while holding
// that owner's lock. It reports true when the scan should stop on this owner.
func (s *Service) matchOwner(ctx context.Context, owner string, ev matcher.Event) (InboundOutcome, bool) {
	unlock, err := s.locks.Lock(ctx, owner)
	if err != nil {
		s.logger.Warn("acquiring owner lock", "owner", owner, "error", err)
		return InboundOutcome{Outcome: OutcomeError, Owner: owner}, false
	}
	defer unlock()

	pending, err := s.store.ListPending(ctx, owner)
	if err != nil {
		s.logger.Error("listing pending questions", "owner", owner, "error", err)
		return InboundOutcome{Outcome: OutcomeError, Owner: owner}, false
	}

	res, ok := matcher.Match(ev, pending)
	if !ok {
		return InboundOutcome{Outcome: OutcomeNoCandidates, Owner: owner}, false
	}

	out := InboundOutcome{Owner: owner, QuestionID: res.Question.ID, Rule: res.Rule}
	_, won, err := s.store.CompleteQuestion(ctx, res.Question.ID, owner, res.Answer, s.now().UTC())
	switch {
	case err != nil:
		s.logger.Error("completing matched question", "id", res.Question.ID, "owner", owner, "error", err)
		out.Outcome = OutcomeError
	case !won:
		s.logger.Info("matched question already answered", "id", res.Question.ID, "owner", owner, "rule", res.Rule)
		out.Outcome = OutcomeLostRace
	default:
		s.logger.Info("question answered", "id", res.Question.ID, "owner", owner, "via", "channel", "rule", res.Rule)
		out.Outcome = OutcomeMatched
	}
	return out, true
}
