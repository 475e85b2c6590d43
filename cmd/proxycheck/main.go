// Command proxycheck validates a batch of addresses once against every
// requested proxy type and prints the ones that work, fastest first.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/scraper"
	"proxy_machine/proxypool/validator"
)

type options struct {
	Types    []string      `short:"t" long:"type" description:"Proxy type to check, repeatable (default: all)"`
	Workers  int           `short:"w" long:"workers" default:"50" description:"Concurrent validations"`
	Timeout  time.Duration `long:"timeout" default:"5s" description:"Per-validation timeout"`
	EchoURL  string        `long:"echo" default:"https://httpbin.org/ip" description:"Echo endpoint returning {\"origin\": ...}"`
	URL      string        `long:"url" description:"Fetch candidates from this plain-text list instead of --dir"`
	Dir      string        `long:"dir" default:"scan_results" description:"Directory of *.txt files with one host:port per line"`
	Out      string        `long:"out" description:"Write results to this file instead of stdout"`
	LogLevel string        `long:"loglevel" default:"warn" description:"Log level"`
}

type hit struct {
	t       model.ProxyType
	addr    string
	latency time.Duration
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := logger.Init(types.LogConf{Level: opts.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "proxycheck: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	ptypes := model.AllTypes()
	if len(opts.Types) > 0 {
		var err error
		if ptypes, err = model.ParseProxyTypes(opts.Types); err != nil {
			return err
		}
	}

	addrs, err := loadAddresses(ctx, opts)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("no candidate addresses found")
	}

	selfIPs, err := validator.DiscoverSelfIPs(ctx, &http.Client{Timeout: opts.Timeout}, opts.EchoURL, 3)
	if err != nil {
		return err
	}

	v := validator.NewValidator(opts.EchoURL, opts.Timeout, opts.Workers)
	hits := check(ctx, v, ptypes, addrs, selfIPs, opts.Workers)
	if err := ctx.Err(); err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if opts.Out != "" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	for _, h := range hits {
		fmt.Fprintf(w, "%s %s %.3f sec.\n", h.t, h.addr, h.latency.Seconds())
	}
	fmt.Fprintf(os.Stderr, "%d of %d checks passed\n", len(hits), len(addrs)*len(ptypes))
	return nil
}

func loadAddresses(ctx context.Context, opts options) ([]string, error) {
	if opts.URL != "" {
		// 一次性列表只取一次。
		return scraper.NewTextListSource(opts.URL, 0, 0).Scrape(ctx, model.TypeHTTP)
	}
	return scraper.NewDirSource(opts.Dir, 0).Scrape(ctx, model.TypeHTTP)
}

// check validates every (type, addr) pair and returns the passing ones sorted
// by latency.
func check(ctx context.Context, v *validator.Validator, ptypes []model.ProxyType, addrs, selfIPs []string, workers int) []hit {
	total := len(ptypes) * len(addrs)
	bar := pb.New(total)
	bar.SetWriter(os.Stderr)
	bar.Set("prefix", "Checking ")
	bar.Start()
	defer bar.Finish()

	results := make([]*model.ValidationResult, total)
	var g errgroup.Group
	g.SetLimit(workers)
	i := 0
	for _, t := range ptypes {
		for _, addr := range addrs {
			idx := i
			c := model.Candidate{Type: t, Address: addr}
			g.Go(func() error {
				if ctx.Err() == nil {
					results[idx] = v.Validate(ctx, c, selfIPs)
				}
				bar.Increment()
				return nil
			})
			i++
		}
	}
	g.Wait()

	var hits []hit
	for _, r := range results {
		if r != nil && r.OK() {
			hits = append(hits, hit{t: r.Type, addr: r.Address, latency: r.Latency})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].latency < hits[j].latency })
	return hits
}
