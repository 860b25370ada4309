package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// PlatformMessage is one message of a conversation as reported by the
// messaging platform.
type PlatformMessage struct {
	ID        string    `json:"id"`
	FromID    string    `json:"from_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphClient talks to the Meta Graph API: conversation history reads and
// outbound message sends. Calls are rate limited and slow on the platform
// side, so callers decide how hard a failure is.
type GraphClient struct {
	httpClient *resty.Client
	sendClient *resty.Client
	baseURL    string
}

func NewGraphClient(baseURL string) (*GraphClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("graph baseURL cannot be empty")
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	// Sends are not idempotent. A dropped response after the platform already
	// accepted the message must surface as an error, not a transparent resend
	// that delivers the reply twice.
	sender := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)

	return &GraphClient{httpClient: client, sendClient: sender, baseURL: baseURL}, nil
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type graphConversationsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type graphMessagesResponse struct {
	Messages struct {
		Data []struct {
			ID   string `json:"id"`
			From struct {
				ID string `json:"id"`
			} `json:"from"`
			Message     string `json:"message"`
			CreatedTime string `json:"created_time"`
		} `json:"data"`
	} `json:"messages"`
}

// FetchRecentMessages returns up to limit messages of the conversation between
// the account and the given participant, sorted newest-first.
func (c *GraphClient) FetchRecentMessages(ctx context.Context, account *SocialAccount, participantID string, limit int) ([]PlatformMessage, error) {
	conversationID, err := c.findConversationID(ctx, account, participantID)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		log.Debug().
			Str("accountID", account.ID).
			Str("participantID", participantID).
			Msg("No conversation found for participant")
		return nil, nil
	}

	var (
		body     graphMessagesResponse
		apiError graphError
	)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"access_token": account.AccessToken,
			"fields":       fmt.Sprintf("messages.limit(%d){id,from,message,created_time}", limit),
		}).
		SetResult(&body).
		SetError(&apiError).
		Get("/" + conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation messages: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("graph API error fetching messages (%d): %s", resp.StatusCode(), apiError.Error.Message)
	}

	messages := make([]PlatformMessage, 0, len(body.Messages.Data))
	for _, m := range body.Messages.Data {
		createdAt, perr := time.Parse("2006-01-02T15:04:05-0700", m.CreatedTime)
		if perr != nil {
			// Graph occasionally switches to RFC3339 offsets with a colon.
			createdAt, perr = time.Parse(time.RFC3339, m.CreatedTime)
			if perr != nil {
				log.Warn().Str("createdTime", m.CreatedTime).Str("messageID", m.ID).Msg("Unparseable message timestamp, skipping")
				continue
			}
		}
		messages = append(messages, PlatformMessage{
			ID:        m.ID,
			FromID:    m.From.ID,
			Text:      m.Message,
			CreatedAt: createdAt,
		})
	}

	// Callers index on "newer appears earlier", so enforce it instead of
	// trusting platform ordering.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})

	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (c *GraphClient) findConversationID(ctx context.Context, account *SocialAccount, participantID string) (string, error) {
	var (
		body     graphConversationsResponse
		apiError graphError
	)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"access_token": account.AccessToken,
			"platform":     account.Platform,
			"user_id":      participantID,
		}).
		SetResult(&body).
		SetError(&apiError).
		Get("/me/conversations")
	if err != nil {
		return "", fmt.Errorf("failed to fetch conversations: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("graph API error fetching conversations (%d): %s", resp.StatusCode(), apiError.Error.Message)
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	// At most one conversation exists per (account, participant) pair.
	return body.Data[0].ID, nil
}

type graphSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendTextMessage sends a text message from the account to the recipient and
// returns the platform-assigned message id.
func (c *GraphClient) SendTextMessage(ctx context.Context, account *SocialAccount, recipientID, text string) (string, error) {
	var (
		body     graphSendResponse
		apiError graphError
	)
	resp, err := c.sendClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(account.AccessToken).
		SetBody(map[string]interface{}{
			"recipient": map[string]string{"id": recipientID},
			"message":   map[string]string{"text": text},
		}).
		SetResult(&body).
		SetError(&apiError).
		Post(fmt.Sprintf("/%s/messages", account.PlatformUserID))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("graph API error sending message (%d): %s", resp.StatusCode(), apiError.Error.Message)
	}
	if body.MessageID == "" {
		return "", fmt.Errorf("graph API returned no message_id")
	}

	log.Info().
		Str("accountID", account.ID).
		Str("recipientID", recipientID).
		Str("messageID", body.MessageID).
		Msg("Message sent via Graph API")
	return body.MessageID, nil
}
