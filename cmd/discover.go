package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/pipeline"
	"github.com/sells-group/versionvault/internal/scrape"
	"github.com/sells-group/versionvault/internal/source"
	"github.com/sells-group/versionvault/pkg/jina"
)

var (
	discoverURL     string
	discoverProduct string
	discoverTop     int
	discoverFormat  string
)

// discoverer finds candidate version pages on a site.
type discoverer interface {
	Discover(ctx context.Context, site, product string, opts scrape.FetchOptions) ([]source.Candidate, error)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find candidate release-notes pages for a site",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		acq, err := initAcquisition(cfg, metrics.New())
		if err != nil {
			return err
		}
		var search jina.Client
		if cfg.Jina.Key != "" {
			search = acq.Jina
		}

		candidates, err := discoverCandidates(ctx, acq.Discoverer, search, discoverURL, discoverProduct, pipeline.FetchOptions(cfg.Fetch))
		if err != nil {
			return err
		}
		if discoverTop > 0 && len(candidates) > discoverTop {
			candidates = candidates[:discoverTop]
		}
		return writeOutput(os.Stdout, discoverFormat, candidates)
	},
}

// discoverCandidates runs sitemap discovery for site and falls back to a
// web search for "<product> release notes" on the same host when the site
// yields nothing and search is configured.
func discoverCandidates(ctx context.Context, d discoverer, search jina.Client, site, product string, opts scrape.FetchOptions) ([]source.Candidate, error) {
	candidates, err := d.Discover(ctx, site, product, opts)
	if err != nil {
		return nil, eris.Wrap(err, "discover")
	}
	if len(candidates) > 0 || search == nil || strings.TrimSpace(product) == "" {
		return candidates, nil
	}

	var searchOpts []jina.SearchOption
	if u, err := url.Parse(site); err == nil && u.Hostname() != "" {
		searchOpts = append(searchOpts, jina.WithSiteFilter(strings.TrimPrefix(u.Hostname(), "www.")))
	}
	zap.L().Info("discover: no sitemap candidates, searching", zap.String("site", site), zap.String("product", product))

	resp, err := search.Search(ctx, product+" release notes", searchOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "discover: search")
	}
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		c := source.Candidate{URL: r.URL, Source: "search"}
		c.Score = source.ScoreURL(c, product, timeNow())
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func init() {
	discoverCmd.Flags().StringVar(&discoverURL, "url", "", "site url")
	discoverCmd.Flags().StringVar(&discoverProduct, "product", "", "product name used for scoring")
	discoverCmd.Flags().IntVar(&discoverTop, "top", 0, "max candidates to print (0 = all)")
	discoverCmd.Flags().StringVar(&discoverFormat, "format", "json", "output format: json or yaml")
	_ = discoverCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(discoverCmd)
}
