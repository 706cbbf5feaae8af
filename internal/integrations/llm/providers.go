package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"billtracker/internal/classifier"
	"billtracker/internal/httpx"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

const maxResponseTokens = 1024

// --- Anthropic ---

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpx.ExternalHTTPClient()),
		option.WithMaxRetries(0),
	)

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxResponseTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		return "", Usage{}, classifyAnthropicError(err)
	}
	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

func classifyAnthropicError(err error) error {
	wrapped := fmt.Errorf("Anthropic API error: %w", err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if httpx.RetryableStatus(apiErr.StatusCode) {
			return classifier.NewTransientError(wrapped)
		}
		return wrapped
	}
	// No status means the request never completed: network or deadline.
	return classifier.NewTransientError(wrapped)
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, endpoint, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Usage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpx.ExternalHTTPClient().Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		return "", Usage{}, classifier.NewTransientError(fmt.Errorf("OpenAI API error: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, classifier.NewTransientError(fmt.Errorf("reading response: %w", err))
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		err = fmt.Errorf("parsing OpenAI response status=%d: %w", resp.StatusCode, err)
		if httpx.RetryableStatus(resp.StatusCode) {
			return "", Usage{}, classifier.NewTransientError(err)
		}
		return "", Usage{}, err
	}

	if openAIResp.Error != nil || resp.StatusCode >= 300 {
		msg := resp.Status
		if openAIResp.Error != nil {
			msg = openAIResp.Error.Message
		}
		log.Printf("llm openai api error status=%d: %s", resp.StatusCode, msg)
		err := fmt.Errorf("OpenAI API error: %s", msg)
		if httpx.RetryableStatus(resp.StatusCode) {
			return "", Usage{}, classifier.NewTransientError(err)
		}
		return "", Usage{}, err
	}

	if len(openAIResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := Usage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(openAIResp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return openAIResp.Choices[0].Message.Content, usage, nil
}
