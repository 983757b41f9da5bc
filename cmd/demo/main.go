package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aridsondez/leaseq/pkg/client"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// The server should run with, e.g.:
//
//	STORE_DRIVER=memory QUEUE_NAMES=demo MAX_RETRIES=2 DEAD_LETTER_QUEUE=demo-dlq go run ./cmd/api
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "leaseq server URL")
	queue := flag.String("queue", "demo", "queue to exercise")
	dlq := flag.String("dlq", "demo-dlq", "dead-letter queue of -queue")
	flag.Parse()

	ctx := context.Background()
	c := client.NewClient(*baseURL)

	if !checkServer(*baseURL) {
		fmt.Printf("%s✗ Server not running at %s%s\n", colorRed, *baseURL, colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s✓ Server is running%s\n\n", colorGreen, colorReset)

	steps := []struct {
		title string
		run   func(context.Context, *client.Client, string, string) error
	}{
		{"Enqueue → Claim → Renew → Complete → Reap", scenarioBasicFlow},
		{"Lease expiry hands the message to the next claimant", scenarioLeaseExpiry},
		{"Dead-lettering after the retry budget is spent", scenarioDeadLetter},
	}
	for i, s := range steps {
		fmt.Printf("%s=== %d. %s ===%s\n", colorBold+colorCyan, i+1, s.title, colorReset)
		if err := s.run(ctx, c, *queue, *dlq); err != nil {
			fmt.Printf("%s✗ %v%s\n\n", colorRed, err, colorReset)
			continue
		}
		fmt.Println()
	}

	displayMetrics(*baseURL)
}

func scenarioBasicFlow(ctx context.Context, c *client.Client, q, _ string) error {
	id, err := c.EnqueueOne(ctx, q, map[string]any{"order_id": "ORD-001", "amount": 149.99}, nil)
	if err != nil {
		return err
	}
	step("enqueued message %s", id)

	msg, err := c.Claim(ctx, q, 30*time.Second)
	if err != nil || msg == nil {
		return fmt.Errorf("claim: %v (message %v)", err, msg)
	}
	step("claimed %s (tries=%d, ack=%s…)", msg.ID, msg.Tries, msg.Ack[:8])

	if _, err := c.Renew(ctx, q, msg.Ack, time.Minute); err != nil {
		return err
	}
	step("renewed lease for another minute")

	if _, err := c.Complete(ctx, q, msg.Ack); err != nil {
		return err
	}
	step("completed %s", msg.ID)

	n, err := c.Reap(ctx, q)
	if err != nil {
		return err
	}
	step("reaped %d done message(s)", n)
	return nil
}

func scenarioLeaseExpiry(ctx context.Context, c *client.Client, q, _ string) error {
	if _, err := c.EnqueueOne(ctx, q, map[string]any{"job": "resize-image"}, nil); err != nil {
		return err
	}

	first, err := c.Claim(ctx, q, time.Second)
	if err != nil || first == nil {
		return fmt.Errorf("claim: %v (message %v)", err, first)
	}
	step("consumer A claimed %s with a 1s lease, then crashed", first.ID)

	time.Sleep(1500 * time.Millisecond)

	second, err := c.Claim(ctx, q, 30*time.Second)
	if err != nil || second == nil {
		return fmt.Errorf("reclaim: %v (message %v)", err, second)
	}
	step("consumer B claimed %s (tries=%d)", second.ID, second.Tries)

	_, err = c.Complete(ctx, q, first.Ack)
	if errors.Is(err, client.ErrUnknownAck) {
		step("consumer A's late complete was rejected: %s", warn("unknown ack"))
	} else {
		return fmt.Errorf("late complete should fail, got %v", err)
	}

	_, err = c.Complete(ctx, q, second.Ack)
	return err
}

func scenarioDeadLetter(ctx context.Context, c *client.Client, q, dlq string) error {
	id, err := c.EnqueueOne(ctx, q, map[string]any{"poison": true}, nil)
	if err != nil {
		return err
	}
	step("enqueued poison message %s", id)

	for attempt := 1; ; attempt++ {
		msg, err := c.Claim(ctx, q, 500*time.Millisecond)
		if err != nil {
			return err
		}
		if msg == nil {
			step("claim %d returned nothing: message left %s", attempt, q)
			break
		}
		step("claim %d: tries=%d, handler fails, lease lapses", attempt, msg.Tries)
		time.Sleep(700 * time.Millisecond)
	}

	dead, err := c.Claim(ctx, dlq, 30*time.Second)
	if err != nil || dead == nil {
		return fmt.Errorf("nothing in %s: %v", dlq, err)
	}
	var original client.Message
	if err := json.Unmarshal(dead.Payload, &original); err != nil {
		return err
	}
	step("%s holds message %s after %d tries", dlq, original.ID, original.Tries)
	_, err = c.Complete(ctx, dlq, dead.Ack)
	return err
}

func checkServer(baseURL string) bool {
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func displayMetrics(baseURL string) {
	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		fmt.Printf("%s✗ metrics unavailable: %v%s\n", colorRed, err, colorReset)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	fmt.Printf("%s=== Metrics ===%s\n", colorBold+colorCyan, colorReset)
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "leaseq_") && !strings.HasPrefix(line, "leaseq_http") {
			fmt.Println("  " + line)
		}
	}
}

func step(format string, args ...any) {
	fmt.Printf("  %s→%s %s\n", colorGreen, colorReset, fmt.Sprintf(format, args...))
}

func warn(s string) string {
	return colorYellow + s + colorReset
}
