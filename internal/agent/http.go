package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/protocol"
)

// HTTPAgent fronts an agent served over HTTP. The card comes from
// GET {baseURL}/info and each chat is POSTed to {baseURL}/chat as
// {"messages": [...], "thread_id": "..."}; the reply body is a JSON string.
// The card's pubkey and relays are dropped since the serving channel fills
// them in.
func HTTPAgent(ctx context.Context, baseURL string, client *http.Client) (protocol.AgentCard, Callable, error) {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	card, err := fetchCard(ctx, client, baseURL+"/info")
	if err != nil {
		return protocol.AgentCard{}, nil, err
	}
	card.PubKey, card.Relays = "", nil

	chatURL := baseURL + "/chat"
	call := func(ctx context.Context, req ChatRequest) (string, error) {
		body, err := json.Marshal(struct {
			Messages []string `json:"messages"`
			ThreadID string   `json:"thread_id,omitempty"`
		}{req.Messages, req.ThreadID})
		if err != nil {
			return "", err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create chat request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.ThreadID != "" {
			httpReq.Header.Set("X-Thread-ID", req.ThreadID)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return "", fmt.Errorf("chat request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("read chat response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("agent %s chat failed (%d): %s", card.Name, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		var reply string
		if err := json.Unmarshal(data, &reply); err != nil {
			return "", fmt.Errorf("decode chat reply: %w", err)
		}
		return reply, nil
	}
	return card, call, nil
}

func fetchCard(ctx context.Context, client *http.Client, url string) (protocol.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return protocol.AgentCard{}, fmt.Errorf("create info request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.AgentCard{}, fmt.Errorf("info request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.AgentCard{}, fmt.Errorf("read info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.AgentCard{}, fmt.Errorf("agent info failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	// A server hosting several agents answers with an array; front the first.
	var card protocol.AgentCard
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var cards []protocol.AgentCard
		if err := json.Unmarshal(trimmed, &cards); err != nil {
			return protocol.AgentCard{}, fmt.Errorf("decode agent info: %w", err)
		}
		if len(cards) == 0 {
			return protocol.AgentCard{}, fmt.Errorf("agent info at %s lists no agents", url)
		}
		card = cards[0]
	} else if err := json.Unmarshal(trimmed, &card); err != nil {
		return protocol.AgentCard{}, fmt.Errorf("decode agent info: %w", err)
	}
	if card.Name == "" {
		return protocol.AgentCard{}, fmt.Errorf("agent info at %s has no name", url)
	}
	return card, nil
}
