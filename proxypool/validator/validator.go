package validator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/dialer"
	"proxy_machine/proxypool/model"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

	// 回显接口的响应很小，超过此大小视为异常响应。
	maxEchoBody = 64 << 10
)

// echoResponse is the body returned by the echo endpoint, e.g.
// {"origin": "1.2.3.4, 5.6.7.8"}.
type echoResponse struct {
	Origin string `json:"origin"`
}

// TransportFunc builds the transport used for one validation.
type TransportFunc func(t model.ProxyType, addr string, timeout time.Duration) (http.RoundTripper, error)

// Validator 证明一个候选地址可以作为指定协议的代理使用，并且会隐藏本机 IP。
type Validator struct {
	echoURL      string
	timeout      time.Duration
	concurrency  int
	newTransport TransportFunc
}

func NewValidator(echoURL string, timeout time.Duration, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Validator{
		echoURL:      echoURL,
		timeout:      timeout,
		concurrency:  concurrency,
		newTransport: dialer.RoundTripper,
	}
}

// Timeout returns the per-validation deadline.
func (v *Validator) Timeout() time.Duration {
	return v.timeout
}

// ValidateAll validates every candidate with at most v.concurrency checks in
// flight. results[i] always belongs to candidates[i].
func (v *Validator) ValidateAll(ctx context.Context, candidates []model.Candidate, selfIPs []string) []*model.ValidationResult {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]*model.ValidationResult, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	l.Debug().Int("count", len(candidates)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = v.Validate(ctx, c, selfIPs)
			return nil
		})
	}
	g.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	l.Debug().Int("count", len(candidates)).Int("ok", ok).Msg("Validation batch finished.")
	return results
}

// Validate runs one check: GET the echo endpoint through the candidate and
// require a 200 whose reported origin is not this host. There is no retry.
func (v *Validator) Validate(ctx context.Context, c model.Candidate, selfIPs []string) *model.ValidationResult {
	l := logger.WithComponent("ProxyPool/Validator")
	res := &model.ValidationResult{Candidate: c, Timestamp: time.Now()}

	origins, latency, err := v.probe(ctx, c)
	res.Latency = latency
	res.OriginIPs = origins
	if err == nil && !Masks(origins, selfIPs) {
		err = model.MakeError(model.ErrMaskingCheckFailed,
			fmt.Sprintf("%s exposes own address (origin %s)", c, strings.Join(origins, ", ")))
	}
	res.Err = err

	if err != nil {
		l.Debug().Str("proxy", c.String()).Err(err).Msg("Validation failed.")
	} else {
		l.Debug().Str("proxy", c.String()).Dur("latency", latency).Str("exit_ip", strings.Join(origins, ",")).Msg("Validation passed.")
	}
	return res
}

func (v *Validator) probe(ctx context.Context, c model.Candidate) ([]string, time.Duration, error) {
	rt, err := v.newTransport(c.Type, c.Address, v.timeout)
	if err != nil {
		return nil, 0, model.WrapError(model.ErrProtocol, "failed to build transport", err)
	}
	if tr, ok := rt.(*http.Transport); ok {
		defer tr.CloseIdleConnections()
	}

	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.echoURL, nil)
	if err != nil {
		return nil, 0, model.WrapError(model.ErrProtocol, "failed to create echo request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, classify(err, "echo request through "+c.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, model.MakeError(model.ErrProtocol,
			fmt.Sprintf("echo request through %s: received non-200 status code: %d", c, resp.StatusCode))
	}

	var body echoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEchoBody)).Decode(&body); err != nil {
		if cerr := classify(err, "reading echo response through "+c.String()); errors.Is(cerr, model.ErrTimeout) {
			return nil, 0, cerr
		}
		return nil, 0, model.WrapError(model.ErrProtocol, "malformed echo response through "+c.String(), err)
	}
	latency := time.Since(start)

	origins := ParseOrigin(body.Origin)
	if len(origins) == 0 {
		return nil, latency, model.MakeError(model.ErrProtocol,
			fmt.Sprintf("echo response through %s carries no origin", c))
	}
	return origins, latency, nil
}

// classify maps a transport error onto the error taxonomy.
func classify(err error, desc string) error {
	var opErr *net.OpError
	var netErr net.Error
	var recErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError

	switch {
	case errors.Is(err, context.Canceled):
		// 关闭时取消，不是代理的错误。
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapError(model.ErrTimeout, desc, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.WrapError(model.ErrTimeout, desc, err)
	case errors.As(err, &recErr), errors.As(err, &certErr):
		return model.WrapError(model.ErrProtocol, desc, err)
	}

	for e := err; errors.As(e, &opErr); e = opErr.Err {
		if opErr.Op == "dial" || opErr.Op == "proxyconnect" {
			return model.WrapError(model.ErrConnect, desc, err)
		}
	}
	return model.WrapError(model.ErrProtocol, desc, err)
}

// ParseOrigin splits the echo endpoint's origin field into addresses.
func ParseOrigin(origin string) []string {
	var ips []string
	for _, part := range strings.Split(origin, ",") {
		if ip := strings.TrimSpace(part); ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// Masks reports whether at least one origin is not one of selfIPs. An empty
// origin list never masks.
func Masks(origins, selfIPs []string) bool {
	self := make(map[string]struct{}, len(selfIPs))
	for _, ip := range selfIPs {
		self[strings.TrimSpace(ip)] = struct{}{}
	}
	for _, ip := range origins {
		if _, ok := self[ip]; !ok {
			return true
		}
	}
	return false
}
