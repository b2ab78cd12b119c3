// Package blockstore is an HTTP client for the local content-addressed
// block-store daemon (the IPFS-compatible API every agent runs alongside).
// It is the one place in the module that knows the daemon's wire shapes;
// every other package reaches the store through this client's interface,
// never by building request URLs itself.
package blockstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a single daemon over HTTP. The zero value is not usable;
// construct with New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client pointed at the daemon's API root, e.g.
// "http://127.0.0.1:5001/api/v0".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, fmt.Errorf("blockstore: build request %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blockstore: %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("blockstore: %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	return resp, nil
}

// ID returns the daemon's own peer ID.
func (c *Client) ID(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/id", nil, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"ID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("blockstore: decode id: %w", err)
	}
	return out.ID, nil
}

// Refs returns the recursive block-CID list for cid. A small-file blob with
// no sub-blocks returns an empty, nil-error slice.
func (c *Client) Refs(ctx context.Context, cid string) ([]string, error) {
	q := url.Values{"arg": {cid}, "recursive": {"true"}}
	resp, err := c.post(ctx, "/refs", q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var refs []string
	dec := json.NewDecoder(resp.Body)
	for {
		var row struct {
			Ref string `json:"Ref"`
			Err string `json:"Err"`
		}
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("blockstore: decode refs %s: %w", cid, err)
		}
		if row.Err != "" {
			return nil, fmt.Errorf("blockstore: refs %s: %s", cid, row.Err)
		}
		refs = append(refs, row.Ref)
	}
	return refs, nil
}

// BlockGet returns the raw bytes of a single block CID.
func (c *Client) BlockGet(ctx context.Context, blockCid string) ([]byte, error) {
	q := url.Values{"arg": {blockCid}}
	resp, err := c.post(ctx, "/block/get", q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read block %s: %w", blockCid, err)
	}
	return b, nil
}

// Cat returns the full reassembled blob behind cid.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	q := url.Values{"arg": {cid}}
	resp, err := c.post(ctx, "/cat", q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blockstore: cat %s: %w", cid, err)
	}
	return b, nil
}

// PinAdd pins cid so the daemon's garbage collector never reclaims it.
func (c *Client) PinAdd(ctx context.Context, cid string) error {
	q := url.Values{"arg": {cid}}
	resp, err := c.post(ctx, "/pin/add", q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// PinRm releases a previously-pinned cid.
func (c *Client) PinRm(ctx context.Context, cid string) error {
	q := url.Values{"arg": {cid}}
	resp, err := c.post(ctx, "/pin/rm", q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// PinLs lists every CID currently pinned on this daemon.
func (c *Client) PinLs(ctx context.Context) ([]string, error) {
	resp, err := c.post(ctx, "/pin/ls", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("blockstore: decode pin/ls: %w", err)
	}
	pinned := make([]string, 0, len(out.Keys))
	for cid := range out.Keys {
		pinned = append(pinned, cid)
	}
	return pinned, nil
}

// SwarmConnect dials a peer multiaddr directly, bypassing DHT discovery.
func (c *Client) SwarmConnect(ctx context.Context, multiaddr string) error {
	q := url.Values{"arg": {multiaddr}}
	resp, err := c.post(ctx, "/swarm/connect", q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Add uploads blob and returns the CID the daemon assigned it.
func (c *Client) Add(ctx context.Context, filename string, blob []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("blockstore: build multipart: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return "", fmt.Errorf("blockstore: write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blockstore: close multipart: %w", err)
	}

	resp, err := c.post(ctx, "/add", nil, &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("blockstore: decode add: %w", err)
	}
	return out.Hash, nil
}

// RepoStat reports local storage usage in bytes.
func (c *Client) RepoStat(ctx context.Context) (usedBytes, storageMaxBytes int64, err error) {
	resp, err := c.post(ctx, "/repo/stat", nil, nil, "")
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	var out struct {
		RepoSize   int64 `json:"RepoSize"`
		StorageMax int64 `json:"StorageMax"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("blockstore: decode repo/stat: %w", err)
	}
	return out.RepoSize, out.StorageMax, nil
}

// BandwidthStats reports cumulative bytes transferred since daemon start.
func (c *Client) BandwidthStats(ctx context.Context) (totalIn, totalOut int64, err error) {
	resp, err := c.post(ctx, "/stats/bw", nil, nil, "")
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	var out struct {
		TotalIn  int64 `json:"TotalIn"`
		TotalOut int64 `json:"TotalOut"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("blockstore: decode stats/bw: %w", err)
	}
	return out.TotalIn, out.TotalOut, nil
}

// PubSubMessage is one NDJSON line from a pubsub/sub stream.
type PubSubMessage struct {
	From string `json:"from"`
	Data string `json:"data"` // base64, per the daemon's wire format
	Seqno string `json:"seqno"`
	TopicIDs []string `json:"topicIDs"`
}

// PubSubSubscribe opens a long-lived NDJSON stream on topic and delivers one
// decoded message per line to onMessage until ctx is cancelled or the
// connection drops. It returns only once the stream ends, so callers run it
// in its own goroutine and reconnect on a non-nil error.
func (c *Client) PubSubSubscribe(ctx context.Context, topic string, onMessage func(PubSubMessage)) error {
	q := url.Values{"arg": {topic}}
	resp, err := c.post(ctx, "/pubsub/sub", q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg PubSubMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // malformed line from a misbehaving peer, skip it
		}
		onMessage(msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("blockstore: pubsub/sub %s: %w", topic, err)
	}
	return ctx.Err()
}

// PubSubPublish broadcasts data on topic.
func (c *Client) PubSubPublish(ctx context.Context, topic string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "data")
	if err != nil {
		return fmt.Errorf("blockstore: build pubsub/pub body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("blockstore: write pubsub/pub body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blockstore: close pubsub/pub body: %w", err)
	}

	q := url.Values{"arg": {topic}}
	resp, err := c.post(ctx, "/pubsub/pub", q, &buf, w.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// connectTimeout bounds how long SwarmConnect waits before giving up on a
// peer that never answers; kept separate from the client's default 30s
// request timeout because dial queues run many of these concurrently and a
// stuck peer shouldn't hold a worker slot for half a minute.
const connectTimeout = 8 * time.Second

// SwarmConnectTimeout is SwarmConnect with a tighter, dial-queue-friendly
// deadline instead of the client's default request timeout.
func (c *Client) SwarmConnectTimeout(ctx context.Context, multiaddr string) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return c.SwarmConnect(ctx, multiaddr)
}
