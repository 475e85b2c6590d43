package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"proxy_machine/internal/shared/logger"
)

// DiscoverSelfIPs asks the echo endpoint for this host's own address(es)
// without any proxy. It tries at most attempts times, doubling the wait
// between tries.
func DiscoverSelfIPs(ctx context.Context, client *http.Client, url string, attempts int) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Validator")
	if attempts <= 0 {
		attempts = 1
	}

	backoff := time.Second
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		ips, err := fetchOrigin(ctx, client, url)
		if err == nil {
			l.Info().Strs("self_ips", ips).Msg("Discovered own public address.")
			return ips, nil
		}
		lastErr = err
		l.Warn().Err(err).Int("attempt", i+1).Int("attempts", attempts).Msg("Self IP discovery failed.")
	}
	return nil, fmt.Errorf("self IP discovery failed after %d attempts: %w", attempts, lastErr)
}

func fetchOrigin(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}
	var body echoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEchoBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode echo response: %w", err)
	}
	ips := ParseOrigin(body.Origin)
	if len(ips) == 0 {
		return nil, fmt.Errorf("echo response carries no origin")
	}
	return ips, nil
}
