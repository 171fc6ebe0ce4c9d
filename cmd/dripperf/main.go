// Command dripperf replays scripted responses through a running dripd
// instance and reports pacing timings. It connects to the bridge websocket
// as a synthetic chat adapter, acknowledges every chunk it receives, and
// submits responses over the HTTP API so the measured path matches what a
// real adapter would see.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driplab/drip/internal/reliability"
)

type options struct {
	baseURL     string
	chatID      string
	profile     string
	turns       int
	turnTimeout time.Duration
	ackDelay    time.Duration
	texts       []string
	verbose     bool
}

var defaultTexts = []string{
	"Sure, give me a second and I will pull that up for you.",
	"Here is the short version. The long answer has three parts, and the first one matters most.\n\nStart with the config file, then restart the worker.",
	"That depends on the timezone. For Berlin it starts at 09:00, for New York it starts at 03:00, so most people just watch the recording.",
	"Done! I moved the meeting to Thursday and sent everyone the updated invite.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dripperf: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dripperf: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var texts string

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "dripd base URL")
	flag.StringVar(&cfg.chatID, "chat-id", "", "chat ID to deliver into (default: random)")
	flag.StringVar(&cfg.profile, "profile", "", "named delivery profile to request")
	flag.IntVar(&cfg.turns, "turns", 4, "number of responses to submit")
	flag.DurationVar(&cfg.turnTimeout, "turn-timeout", 90*time.Second, "max wait per delivery")
	flag.DurationVar(&cfg.ackDelay, "ack-delay", 0, "artificial delay before acknowledging each chunk")
	flag.StringVar(&texts, "texts", "", "responses to replay, separated by '|' (default: built-in set)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "log every bridge frame")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("-base-url is required")
	}
	if cfg.turns < 1 {
		return options{}, fmt.Errorf("-turns must be >= 1")
	}
	if cfg.turnTimeout <= 0 {
		return options{}, fmt.Errorf("-turn-timeout must be positive")
	}
	if cfg.ackDelay < 0 {
		return options{}, fmt.Errorf("-ack-delay must not be negative")
	}
	if strings.TrimSpace(cfg.chatID) == "" {
		cfg.chatID = "perf-" + uuid.NewString()[:8]
	}
	if strings.TrimSpace(texts) == "" {
		cfg.texts = defaultTexts
	} else {
		for _, t := range strings.Split(texts, "|") {
			t = strings.TrimSpace(t)
			if t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("-texts contained no usable entries")
		}
	}
	return cfg, nil
}

// turnReport collects what the adapter observed for a single delivery.
type turnReport struct {
	submitToTyping time.Duration
	typingToFirst  time.Duration
	gaps           []time.Duration
	chunks         int
	status         string
}

type bridgeEvent struct {
	frameType string
	seq       int
	status    string
	at        time.Time
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/v1/bridge/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open bridge websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"type":     "adapter_hello",
		"adapter":  "dripperf",
		"platform": "synthetic",
	}); err != nil {
		return fmt.Errorf("send adapter_hello: %w", err)
	}

	events := make(chan bridgeEvent, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, cfg, events, readErr)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	reports := make([]turnReport, 0, cfg.turns)

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("dripperf: turn %d/%d chars=%d\n", i+1, cfg.turns, len(text))
		}
		submittedAt := time.Now()
		if err := submitResponse(ctx, httpClient, cfg, text); err != nil {
			return fmt.Errorf("turn %d submit: %w", i+1, err)
		}
		rep, err := awaitDelivery(events, readErr, submittedAt, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		reports = append(reports, rep)
	}

	printSummary(os.Stdout, cfg, reports)
	return fetchPacing(ctx, httpClient, cfg, os.Stdout)
}

func readLoop(conn *websocket.Conn, cfg options, events chan<- bridgeEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		now := time.Now()

		var frame struct {
			Type   string `json:"type"`
			ChatID string `json:"chat_id"`
			Seq    int    `json:"seq"`
			Typing bool   `json:"typing"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			readErr <- fmt.Errorf("decode bridge frame: %w", err)
			return
		}
		if cfg.verbose {
			fmt.Printf("dripperf: <- %s\n", strings.TrimSpace(string(data)))
		}

		switch frame.Type {
		case "chunk_delivery":
			if cfg.ackDelay > 0 {
				time.Sleep(cfg.ackDelay)
			}
			ack := map[string]any{
				"type":    "dispatch_result",
				"chat_id": frame.ChatID,
				"seq":     frame.Seq,
				"ok":      true,
			}
			if err := conn.WriteJSON(ack); err != nil {
				readErr <- fmt.Errorf("ack chunk %d: %w", frame.Seq, err)
				return
			}
			events <- bridgeEvent{frameType: frame.Type, seq: frame.Seq, at: now}
		case "typing_state":
			if frame.Typing {
				events <- bridgeEvent{frameType: frame.Type, at: now}
			}
		case "delivery_end":
			events <- bridgeEvent{frameType: frame.Type, status: frame.Status, at: now}
		}
	}
}

// submitRetries bounds the retry budget for throttled or flapping servers.
const submitRetries = 3

func submitResponse(ctx context.Context, client *http.Client, cfg options, text string) error {
	body := map[string]any{
		"chat_id": cfg.chatID,
		"text":    text,
	}
	if cfg.profile != "" {
		body["profile"] = cfg.profile
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/responses", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := client.Do(req)
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusAccepted {
			return nil
		}
		if attempt >= submitRetries || !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
		}

		backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func awaitDelivery(events <-chan bridgeEvent, readErr <-chan error, submittedAt time.Time, timeout time.Duration) (turnReport, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var rep turnReport
	var typingAt, lastChunkAt time.Time
	for {
		select {
		case evt := <-events:
			switch evt.frameType {
			case "typing_state":
				if typingAt.IsZero() {
					typingAt = evt.at
					rep.submitToTyping = evt.at.Sub(submittedAt)
				}
			case "chunk_delivery":
				if rep.chunks == 0 && !typingAt.IsZero() {
					rep.typingToFirst = evt.at.Sub(typingAt)
				} else if !lastChunkAt.IsZero() {
					rep.gaps = append(rep.gaps, evt.at.Sub(lastChunkAt))
				}
				lastChunkAt = evt.at
				rep.chunks++
			case "delivery_end":
				rep.status = evt.status
				if rep.status != "completed" {
					return rep, fmt.Errorf("delivery ended with status %q", rep.status)
				}
				return rep, nil
			}
		case err := <-readErr:
			return rep, fmt.Errorf("bridge read: %w", err)
		case <-deadline.C:
			return rep, fmt.Errorf("timed out after %s waiting for delivery_end", timeout)
		}
	}
}

func printSummary(w io.Writer, cfg options, reports []turnReport) {
	var submitToTyping, typingToFirst, gaps []time.Duration
	totalChunks := 0
	for _, rep := range reports {
		submitToTyping = append(submitToTyping, rep.submitToTyping)
		if rep.chunks > 0 {
			typingToFirst = append(typingToFirst, rep.typingToFirst)
		}
		gaps = append(gaps, rep.gaps...)
		totalChunks += rep.chunks
	}

	fmt.Fprintf(w, "dripperf: chat=%s turns=%d chunks=%d\n", cfg.chatID, len(reports), totalChunks)
	printStat(w, "submit_to_first_typing", submitToTyping)
	printStat(w, "typing_to_first_chunk", typingToFirst)
	printStat(w, "inter_chunk_gap", gaps)
}

func printStat(w io.Writer, name string, samples []time.Duration) {
	if len(samples) == 0 {
		fmt.Fprintf(w, "  %-24s (no samples)\n", name)
		return
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))
	p50 := sorted[len(sorted)/2]
	p95 := sorted[(len(sorted)*95)/100]
	fmt.Fprintf(w, "  %-24s n=%-4d mean=%-10s p50=%-10s p95=%-10s max=%s\n",
		name, len(sorted), round(mean), round(p50), round(p95), round(sorted[len(sorted)-1]))
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}

func fetchPacing(ctx context.Context, client *http.Client, cfg options, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.baseURL+"/v1/perf/pacing", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch pacing snapshot: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("pacing snapshot: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintf(w, "dripperf: server pacing snapshot:\n%s\n", pretty.String())
	return nil
}
