package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// flexString decodes a JSON string or number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// postBatch is the body of GET /get/<tag>/<from>/-1.
type postBatch struct {
	Data      []string   `json:"data"`
	Length    int        `json:"length"`
	Timestamp flexString `json:"timestamp"`
}

// boardClient speaks the whiteboard HTTP protocol for one tag.
type boardClient struct {
	baseURL string
	tag     string
	http    *http.Client
}

func newBoardClient(hostname string, port int, tag string, c *http.Client) *boardClient {
	return &boardClient{
		baseURL: "http://" + net.JoinHostPort(hostname, strconv.Itoa(port)),
		tag:     url.PathEscape(tag),
		http:    c,
	}
}

func (c *boardClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// indexAfter returns the index of the first post newer than ts.
func (c *boardClient) indexAfter(ctx context.Context, ts float64) (int, error) {
	var body struct {
		Index int `json:"index"`
	}
	path := fmt.Sprintf("/after/%s/%s", c.tag, strconv.FormatFloat(ts, 'f', 6, 64))
	if err := c.getJSON(ctx, path, &body); err != nil {
		return 0, err
	}
	return body.Index, nil
}

// newPosts fetches every post from index from onwards.
func (c *boardClient) newPosts(ctx context.Context, from int) (postBatch, error) {
	var batch postBatch
	err := c.getJSON(ctx, fmt.Sprintf("/get/%s/%d/-1", c.tag, from), &batch)
	return batch, err
}

// post submits one base64 payload and returns the raw response body.
func (c *boardClient) post(ctx context.Context, data string) (string, error) {
	payload, err := json.Marshal(map[string]string{"data": data})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/post/"+c.tag, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
