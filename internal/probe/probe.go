package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	"stealthflow/internal/model"
)

// Run executes one health probe for a profile: dial the profile's local
// SOCKS entry point, fetch a low-cost reachability target, measure dial
// start to first response byte. All failure modes come back classified in
// the result; Run never mutates shared state.
func Run(ctx context.Context, p model.Profile, targets []string, timeout time.Duration) model.ProbeResult {
	result := model.ProbeResult{
		Profile:   p.Name,
		Timestamp: time.Now().UTC(),
	}
	if p.EntryAddr == "" {
		result.Class = model.FailureUnknown
		result.Detail = "profile has no entry address"
		return result
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := socksClient(p.EntryAddr, timeout)
	if err != nil {
		result.Class = model.FailureUnknown
		result.Detail = err.Error()
		return result
	}
	defer client.CloseIdleConnections()

	var lastErr error
	for _, target := range targets {
		latency, err := fetch(ctx, client, target)
		if err == nil {
			result.Success = true
			result.Latency = latency
			return result
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	result.Class = Classify(lastErr)
	if lastErr != nil {
		result.Detail = lastErr.Error()
	}
	return result
}

func fetch(ctx context.Context, client *http.Client, target string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, &statusError{code: resp.StatusCode}
	}
	return latency, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}

func socksClient(entryAddr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", entryAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DisableKeepAlives: true,
	}
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = ctxDialer.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Classify maps a probe error to its failure class.
func Classify(err error) model.FailureClass {
	if err == nil {
		return model.FailureNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.FailureRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return model.FailureTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return model.FailureRefused
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "auth"),
		strings.Contains(msg, "unexpected status"):
		return model.FailureAuth
	default:
		return model.FailureUnknown
	}
}
