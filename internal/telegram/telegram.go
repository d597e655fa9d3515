// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram provides a client for the Telegram Bot API.
//
// To use this package, create a [Client] with your bot token. Every method of
// the Bot API is reachable through [Call]; typed wrappers are provided for the
// methods tgblast consumes.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.astrophena.name/base/request"
	"go.astrophena.name/base/version"
)

// DefaultAPIURL is the production Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

var tokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// ValidToken reports whether s looks like a Telegram bot token. It only
// checks the shape; the token is verified against the API with [Client.GetMe].
func ValidToken(s string) bool { return tokenRe.MatchString(s) }

// Client represents a Telegram Bot API client.
type Client struct {
	// Token is the bot token used for authentication.
	Token string
	// HTTPClient is an optional custom HTTP client object to use for requests.
	// If not provided, request.DefaultClient will be used.
	HTTPClient *http.Client
	// APIURL is an optional API endpoint override, used in tests.
	APIURL string
	// Scrubber is an optional strings.Replacer that removes the token from
	// error messages.
	Scrubber *strings.Replacer
}

func (c *Client) apiURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return DefaultAPIURL
}

// Error is an error returned by the Telegram Bot API.
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telegram: %s (error code %d)", e.Description, e.Code)
	}
	return "telegram: " + e.Description
}

type response[Result any] struct {
	OK          bool   `json:"ok"`
	Result      Result `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Call invokes a Bot API method with the given parameters and returns the
// result field of the response. A response is successful only if its ok field
// is true; otherwise Call fails with [*Error] carrying the description from
// the response body, or a generic message if there is none. Call never
// retries; every caller handles its own failure policy.
func Call[Result any](ctx context.Context, c *Client, method string, params any) (Result, error) {
	resp, err := request.Make[response[Result]](ctx, request.Params{
		Method: http.MethodPost,
		URL:    c.apiURL() + "/bot" + c.Token + "/" + method,
		Body:   params,
		Headers: map[string]string{
			"User-Agent": version.UserAgent(),
		},
		HTTPClient: c.HTTPClient,
		Scrubber:   c.Scrubber,
	})
	if err != nil {
		var zero Result
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			var fail response[json.RawMessage]
			if jerr := json.Unmarshal(statusErr.Body, &fail); jerr == nil && fail.Description != "" {
				return zero, &Error{Code: fail.ErrorCode, Description: fail.Description}
			}
			return zero, &Error{Code: statusErr.StatusCode, Description: "request failed"}
		}
		return zero, err
	}
	if !resp.OK {
		desc := resp.Description
		if desc == "" {
			desc = "request failed"
		}
		var zero Result
		return zero, &Error{Code: resp.ErrorCode, Description: desc}
	}
	return resp.Result, nil
}

// Chat types known to the Bot API.
const (
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatChannel    = "channel"
	ChatPrivate    = "private"
)

// Chat represents a messageable destination: a group, supergroup, channel or
// private conversation.
//
// https://core.telegram.org/bots/api#chat
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// DisplayTitle returns a human-readable name for the chat, falling back to
// the username and then to a synthetic "Chat {id}" if the chat has no title.
func (c Chat) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return fmt.Sprintf("Chat %d", c.ID)
}

// User represents a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Message represents an incoming message or channel post.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text,omitempty"`
	Chat      Chat   `json:"chat"`
}

// ChatMember holds the status of the bot in a chat.
type ChatMember struct {
	Status string `json:"status"`
}

// ChatMemberUpdated represents a change of the bot's membership status in a
// chat.
type ChatMemberUpdated struct {
	Chat          Chat       `json:"chat"`
	NewChatMember ChatMember `json:"new_chat_member"`
}

// Update represents an incoming event.
//
// https://core.telegram.org/bots/api#update
type Update struct {
	UpdateID     int64              `json:"update_id"`
	Message      *Message           `json:"message,omitempty"`
	ChannelPost  *Message           `json:"channel_post,omitempty"`
	MyChatMember *ChatMemberUpdated `json:"my_chat_member,omitempty"`
}

// GetMe verifies the token and returns basic information about the bot.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	return Call[User](ctx, c, "getMe", nil)
}

// GetChat fetches up-to-date information about a chat. The chat is identified
// either by its numeric ID or by a "@username" handle.
func (c *Client) GetChat(ctx context.Context, chatID string) (Chat, error) {
	return Call[Chat](ctx, c, "getChat", map[string]string{"chat_id": chatID})
}

// GetChatMemberCount returns the number of members in a chat.
func (c *Client) GetChatMemberCount(ctx context.Context, chatID string) (int, error) {
	return Call[int](ctx, c, "getChatMemberCount", map[string]string{"chat_id": chatID})
}

// GetUpdates fetches a batch of incoming events, starting from offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int, allowedUpdates []string) ([]Update, error) {
	return Call[[]Update](ctx, c, "getUpdates", struct {
		Offset         int64    `json:"offset,omitempty"`
		Limit          int      `json:"limit"`
		AllowedUpdates []string `json:"allowed_updates,omitempty"`
	}{
		Offset:         offset,
		Limit:          limit,
		AllowedUpdates: allowedUpdates,
	})
}

// OutgoingMessage is a message to be delivered to a single chat. The optional
// fields are omitted from the request when unset.
type OutgoingMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	ProtectContent      bool   `json:"protect_content,omitempty"`
}

// SendMessage delivers a message to a single chat.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (Message, error) {
	return Call[Message](ctx, c, "sendMessage", msg)
}

// SetMyName changes the bot's display name.
func (c *Client) SetMyName(ctx context.Context, name string) error {
	_, err := Call[bool](ctx, c, "setMyName", map[string]string{"name": name})
	return err
}
