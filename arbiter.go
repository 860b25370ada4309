package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// InboundMessage is one normalized customer-originated webhook event.
type InboundMessage struct {
	SenderID          string    `json:"sender_id"`
	RecipientID       string    `json:"recipient_id"`
	Text              string    `json:"text"`
	PlatformMessageID string    `json:"platform_message_id"`
	IsEcho            bool      `json:"is_echo"`
	Platform          string    `json:"platform"`
	ReceivedAt        time.Time `json:"received_at"`
}

// HandoffJob is a deferred re-check scheduled when a human provisionally owns
// a conversation. It carries the original inbound message so the worker can
// re-locate it in fresh history.
type HandoffJob struct {
	ID           string          `json:"id"`
	Message      *InboundMessage `json:"message"`
	AccountID    string          `json:"account_id"`
	AssistantID  string          `json:"assistant_id"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	DelaySeconds int             `json:"delay_seconds"`
	Attempt      int             `json:"attempt"`
}

// Narrow collaborator interfaces. The arbiter only sees these, which keeps it
// testable without a database, broker, platform API or model behind it.
type accountFinder interface {
	FindByPlatformUserID(ctx context.Context, platformUserID string) (*SocialAccount, error)
}

type historyFetcher interface {
	FetchRecentMessages(ctx context.Context, account *SocialAccount, participantID string, limit int) ([]PlatformMessage, error)
}

type provenanceFinder interface {
	FindByPlatformMessageID(ctx context.Context, platformMessageID string, senderType SenderType) (*ProvenanceRecord, error)
}

type replySender interface {
	GenerateAndSend(ctx context.Context, req *ReplyRequest) (*SendResult, error)
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, job *HandoffJob, delay time.Duration) error
}

// HandoffArbiter decides whether the AI assistant or a human operator answers
// a customer message. The decision runs twice: immediately on webhook receipt,
// and again after the account's reply timeout when the immediate check found a
// human in charge.
type HandoffArbiter struct {
	accounts   accountFinder
	history    historyFetcher
	provenance provenanceFinder
	responder  replySender
	queue      jobEnqueuer

	historyLimit int
	// replyOnLostAnchor answers even when the deferred check cannot find its
	// anchor message in the refreshed history window. Off by default.
	replyOnLostAnchor bool
}

func NewHandoffArbiter(
	accounts accountFinder,
	history historyFetcher,
	provenance provenanceFinder,
	responder replySender,
	queue jobEnqueuer,
	historyLimit int,
	replyOnLostAnchor bool,
) *HandoffArbiter {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &HandoffArbiter{
		accounts:          accounts,
		history:           history,
		provenance:        provenance,
		responder:         responder,
		queue:             queue,
		historyLimit:      historyLimit,
		replyOnLostAnchor: replyOnLostAnchor,
	}
}

// HandleInbound is the immediate check. It either answers right away, defers
// to a human by scheduling a delayed re-check, or abstains.
func (a *HandoffArbiter) HandleInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.IsEcho {
		log.Debug().Str("platformMessageID", msg.PlatformMessageID).Msg("Ignoring echo event")
		return nil
	}
	if msg.Text == "" {
		log.Debug().Str("platformMessageID", msg.PlatformMessageID).Msg("Skipping non-text message")
		return nil
	}

	account, err := a.accounts.FindByPlatformUserID(ctx, msg.RecipientID)
	if err != nil {
		return err
	}
	if account == nil {
		log.Warn().Str("recipientID", msg.RecipientID).Msg("No social account found for recipient")
		return nil
	}
	if !account.IsActive || account.AssistantID == "" {
		log.Info().
			Str("accountID", account.ID).
			Bool("isActive", account.IsActive).
			Msg("Account inactive or without assistant, not answering")
		return nil
	}

	history, err := a.history.FetchRecentMessages(ctx, account, msg.SenderID, a.historyLimit)
	if err != nil {
		// Fail open on context, not on answering: a reply without history is
		// better than silence caused by a flaky platform read.
		log.Error().
			Err(err).
			Str("accountID", account.ID).
			Str("senderID", msg.SenderID).
			Msg("History fetch failed, answering without context")
		history = nil
	}

	classification := a.classifyLastAccountMessage(ctx, history, account.PlatformUserID)

	if classification == SenderTypeHuman {
		job := &HandoffJob{
			Message:      msg,
			AccountID:    account.ID,
			AssistantID:  account.AssistantID,
			EnqueuedAt:   time.Now().UTC(),
			DelaySeconds: account.ReplyTimeoutSeconds,
		}
		if err := a.queue.Enqueue(ctx, job, account.ReplyTimeout()); err != nil {
			return err
		}
		log.Info().
			Str("accountID", account.ID).
			Str("senderID", msg.SenderID).
			Int("delaySeconds", account.ReplyTimeoutSeconds).
			Msg("Human owns conversation, deferred re-check scheduled")
		return nil
	}

	_, err = a.responder.GenerateAndSend(ctx, &ReplyRequest{
		Message: msg,
		Account: account,
		History: history,
	})
	return err
}

// ProcessJob is the deferred re-check, invoked by a delay queue worker after
// the reply timeout elapsed. A returned error signals the queue to retry.
//
// The decision is derived exclusively from history fetched now. The snapshot
// taken at enqueue time is never consulted: the human may have replied in the
// meantime, or an earlier job's own AI send may already appear in history.
func (a *HandoffArbiter) ProcessJob(ctx context.Context, job *HandoffJob) error {
	msg := job.Message

	account, err := a.accounts.FindByPlatformUserID(ctx, msg.RecipientID)
	if err != nil {
		return err
	}
	if account == nil || !account.IsActive || account.AssistantID == "" {
		log.Info().
			Str("jobID", job.ID).
			Str("recipientID", msg.RecipientID).
			Msg("Account gone, inactive or without assistant at re-check, abstaining")
		return nil
	}

	history, err := a.history.FetchRecentMessages(ctx, account, msg.SenderID, a.historyLimit)
	if err != nil {
		// Unlike the immediate path this is a hard failure: the queue owns
		// retries and answering blind here risks double replies.
		return err
	}

	anchorIdx := locateAnchor(history, msg)
	if anchorIdx < 0 {
		if a.replyOnLostAnchor {
			log.Warn().
				Str("jobID", job.ID).
				Str("accountID", account.ID).
				Msg("Anchor message not found in refreshed history, answering anyway per configuration")
			_, err := a.responder.GenerateAndSend(ctx, &ReplyRequest{Message: msg, Account: account, History: history})
			return err
		}
		log.Info().
			Str("jobID", job.ID).
			Str("accountID", account.ID).
			Msg("Anchor message not found in refreshed history, abstaining")
		return nil
	}

	// History is newest-first, so everything before the anchor index arrived
	// after the customer's message. Any of it sent by the account means
	// somebody, human or an earlier AI job, already replied.
	for i := 0; i < anchorIdx; i++ {
		if history[i].FromID == account.PlatformUserID {
			log.Info().
				Str("jobID", job.ID).
				Str("accountID", account.ID).
				Str("replyMessageID", history[i].ID).
				Msg("Account already replied after the customer message, abstaining")
			return nil
		}
	}

	log.Info().
		Str("jobID", job.ID).
		Str("accountID", account.ID).
		Msg("Reply timeout lapsed unanswered, AI takes over")

	_, err = a.responder.GenerateAndSend(ctx, &ReplyRequest{
		Message: msg,
		Account: account,
		History: history,
	})
	return err
}

// senderNone means the account never spoke inside the history window. It is a
// classification outcome only and never reaches the provenance log.
const senderNone = SenderType("NONE")

// classifyLastAccountMessage finds the most recent account-sent message in the
// history window and reports who sent it: AI when the provenance log has it
// tagged AI, HUMAN when the platform shows it but the log does not know it,
// senderNone when the account never spoke in the window.
func (a *HandoffArbiter) classifyLastAccountMessage(ctx context.Context, history []PlatformMessage, accountPlatformID string) SenderType {
	var last *PlatformMessage
	for i := range history {
		if history[i].FromID != accountPlatformID {
			continue
		}
		if last == nil || history[i].CreatedAt.After(last.CreatedAt) {
			last = &history[i]
		}
	}
	if last == nil {
		log.Debug().Msg("No previous account message in history window")
		return senderNone
	}

	rec, err := a.provenance.FindByPlatformMessageID(ctx, last.ID, SenderTypeAI)
	if err != nil {
		// Unknown provenance: treating it as human-sent defers rather than
		// risking a reply on top of a live operator.
		log.Error().Err(err).Str("platformMessageID", last.ID).Msg("Provenance lookup failed, assuming human")
		return SenderTypeHuman
	}
	if rec != nil {
		log.Debug().Str("platformMessageID", last.ID).Msg("Last account message was sent by AI")
		return SenderTypeAI
	}
	log.Debug().Str("platformMessageID", last.ID).Msg("Last account message was sent by a human")
	return SenderTypeHuman
}

// locateAnchor finds the queued customer message inside freshly fetched
// history by sender and text. Returns -1 when it slid out of the window.
func locateAnchor(history []PlatformMessage, msg *InboundMessage) int {
	for i := range history {
		if history[i].FromID == msg.SenderID && history[i].Text == msg.Text {
			return i
		}
	}
	return -1
}
