package framework

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// WaitFor polls condition until it returns true or timeout lapses.
// The description lands in the error so failures read like sentences.
func WaitFor(timeout, interval time.Duration, condition func() bool, description string) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-deadline.C:
			return fmt.Errorf("timed out after %v waiting for %s", timeout, description)
		case <-tick.C:
		}
	}
}

// PollUntil is WaitFor with caller-owned cancellation.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Retry runs op up to attempts times, doubling the delay between
// tries. Returns the last error when every attempt fails.
func Retry(attempts int, initialDelay time.Duration, op func() error) error {
	var err error
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", attempts, err)
}

// WaitForHTTP polls url until it answers with the wanted status code.
// Connection refusals count as "not yet"; only the deadline fails it.
func WaitForHTTP(url string, status int, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	return WaitFor(timeout, 250*time.Millisecond, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == status
	}, fmt.Sprintf("%s to answer %d", url, status))
}
