/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramAPI     = "https://api.telegram.org"
	defaultTelegramTimeout = 10 * time.Second
	maxErrorBody           = 512
)

var (
	errTelegramToken   = errors.New("telegram token is required")
	errTelegramChats   = errors.New("at least one telegram chat id is required")
	errTelegramRequest = errors.New("telegram sendMessage failed")
)

// TelegramConfig configures Bot API delivery.
type TelegramConfig struct {
	Token   string   `json:"token" sensitive:"true"`
	ChatIDs []string `json:"chat_ids"`
	// APIURL overrides the Bot API endpoint, mainly for tests.
	APIURL string `json:"api_url,omitempty"`
}

// TelegramNotifier sends each event as a text message to every chat id.
type TelegramNotifier struct {
	token   string
	chatIDs []string
	apiURL  string
	client  *http.Client
}

// NewTelegramNotifier validates cfg. Chat ids may be given as one comma
// separated entry.
func NewTelegramNotifier(cfg TelegramConfig, client *http.Client) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, errTelegramToken
	}

	var chats []string

	for _, entry := range cfg.ChatIDs {
		for _, id := range strings.Split(entry, ",") {
			if id = strings.TrimSpace(id); id != "" {
				chats = append(chats, id)
			}
		}
	}

	if len(chats) == 0 {
		return nil, errTelegramChats
	}

	if client == nil {
		client = &http.Client{Timeout: defaultTelegramTimeout}
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}

	return &TelegramNotifier{token: cfg.Token, chatIDs: chats, apiURL: apiURL, client: client}, nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify implements Notifier. Every chat is attempted.
func (t *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	text := event.Text()

	var errs []error

	for _, chat := range t.chatIDs {
		if err := t.send(ctx, chat, text); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (t *TelegramNotifier) send(ctx context.Context, chat, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chat, Text: text})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return t.redact(fmt.Errorf("build telegram request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return t.redact(fmt.Errorf("%w: chat %s: %w", errTelegramRequest, chat, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var decoded sendMessageResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode != http.StatusOK || !decoded.OK {
		return fmt.Errorf("%w: chat %s: status %d: %s", errTelegramRequest, chat, resp.StatusCode, decoded.Description)
	}

	return nil
}

// redact strips the bot token, which http errors embed through the URL.
func (t *TelegramNotifier) redact(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, t.token) {
		return err
	}

	return &redactedError{msg: strings.ReplaceAll(msg, t.token, "<redacted>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }
