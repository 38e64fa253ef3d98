// Package comfyui is the typed client for the node-graph execution engine's HTTP surface.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// snippetLimit bounds how much of an engine error body lands in a task error
const snippetLimit = 512

type engineClient struct {
	baseURL  string
	clientID string
	client   *http.Client
	log      *zap.Logger
}

// NewEngineClient builds the client; it keeps nothing but the base url and the pool
func NewEngineClient(baseURL, clientID string, timeout time.Duration, log *zap.Logger) port.Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &engineClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type promptRequest struct {
	Prompt   domain.Graph `json:"prompt"`
	ClientID string       `json:"client_id,omitempty"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
	Error      json.RawMessage `json:"error"`
}

func (c *engineClient) Submit(ctx context.Context, graph domain.Graph) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.WrapError(domain.ErrTransport, err, "submit: "+err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", domain.NewError(domain.ErrGraphRejected, "engine returned status %d: %s", resp.StatusCode, snippet(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", domain.NewError(domain.ErrTransport, "engine returned status %d: %s", resp.StatusCode, snippet(raw))
	}

	var result promptResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", domain.WrapError(domain.ErrTransport, err, "decode submit response: "+err.Error())
	}
	if result.PromptID == "" {
		return "", domain.NewError(domain.ErrGraphRejected, "engine accepted the request without a prompt id: %s", snippet(raw))
	}

	c.log.Debug("Submitted graph", zap.String("submission_id", result.PromptID), zap.Int("number", result.Number))
	return result.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
}

func (c *engineClient) History(ctx context.Context, submissionID string) (domain.HistoryView, error) {
	var view domain.HistoryView

	raw, err := c.get(ctx, "/history/"+url.PathEscape(submissionID))
	if err != nil {
		return view, err
	}

	var entries map[string]historyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return view, domain.WrapError(domain.ErrTransport, err, "decode history: "+err.Error())
	}
	entry, ok := entries[submissionID]
	if !ok {
		return view, nil
	}

	view.Present = true
	view.Status = domain.HistoryStatus(entry.Status.StatusStr)
	view.Completed = entry.Status.Completed
	view.Message = executionError(entry.Status.Messages)
	view.Outputs, err = decodeOutputs(entry.Outputs)
	if err != nil {
		return view, domain.WrapError(domain.ErrTransport, err, "decode history outputs: "+err.Error())
	}
	return view, nil
}

type queueResponse struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

func (c *engineClient) Queue(ctx context.Context) (domain.QueueView, error) {
	var view domain.QueueView

	raw, err := c.get(ctx, "/queue")
	if err != nil {
		return view, err
	}

	var result queueResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return view, domain.WrapError(domain.ErrTransport, err, "decode queue: "+err.Error())
	}
	view.Running = queueIDs(result.Running)
	view.Pending = queueIDs(result.Pending)
	return view, nil
}

func (c *engineClient) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/system_stats")
	return err
}

func (c *engineClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTransport, err, "GET "+path+": "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, domain.WrapError(domain.ErrTransport, err, "read "+path+": "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.ErrTransport, "GET %s returned status %d: %s", path, resp.StatusCode, snippet(raw))
	}
	return raw, nil
}

// executionError pulls the exception text out of status.messages
func executionError(messages [][]json.RawMessage) string {
	for _, m := range messages {
		if len(m) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(m[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(m[1], &detail); err != nil {
			continue
		}
		msg := strings.TrimSpace(detail.ExceptionMessage)
		if detail.NodeType != "" {
			msg = detail.NodeType + ": " + msg
		}
		return msg
	}
	return ""
}

// decodeOutputs walks the outputs object token by token so node order survives
func decodeOutputs(raw json.RawMessage) ([]domain.NodeOutput, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("outputs is not an object")
	}

	var outputs []domain.NodeOutput
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		nodeID, _ := keyTok.(string)

		fields, err := decodeFields(dec)
		if err != nil {
			return nil, err
		}
		out := domain.NodeOutput{NodeID: nodeID}
		for _, field := range fields {
			files := decodeFiles(field.value)
			switch field.name {
			case "images":
				out.Images = files
			case "videos":
				out.Videos = files
			default:
				out.Other = append(out.Other, files...)
			}
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

type outputField struct {
	name  string
	value json.RawMessage
}

// decodeFields reads one node object keeping its fields in reported order
func decodeFields(dec *json.Decoder) ([]outputField, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("node output is not an object")
	}
	var fields []outputField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, outputField{name: name, value: value})
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// decodeFiles keeps only entries shaped like {filename, subfolder, type}
func decodeFiles(raw json.RawMessage) []domain.OutputFile {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var files []domain.OutputFile
	for _, item := range items {
		var f domain.OutputFile
		if err := json.Unmarshal(item, &f); err != nil || f.Filename == "" {
			continue
		}
		files = append(files, f)
	}
	return files
}

func queueIDs(items [][]json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(item[1], &id); err == nil && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// snippet trims an engine body to snippetLimit bytes on a rune boundary. The
// result is valid UTF-8 since it ends up in a text column.
func snippet(raw []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\uFFFD")
	if len(s) > snippetLimit {
		n := snippetLimit
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return s
}
