package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/pipeline"
	"github.com/sells-group/versionvault/internal/resilience"
	"github.com/sells-group/versionvault/internal/store"
)

var batchLimit int

type runFunc func(ctx context.Context, product model.Product) (*pipeline.Result, error)

// batchSummary counts batch outcomes.
type batchSummary struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Review    int64 `json:"manual_review"`
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract every enabled product in bounded groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		products, err := env.Store.ListProducts(ctx, store.ProductFilter{EnabledOnly: true, Limit: batchLimit})
		if err != nil {
			return eris.Wrap(err, "list products")
		}

		_, err = processBatch(ctx, products, cfg.Batch.Size,
			time.Duration(cfg.Batch.DelaySecs)*time.Second, env.Pipeline.Run)
		return err
	},
}

// processBatch runs products in groups of size, waiting delay between
// groups. An individual failure never aborts the batch; only cancellation
// does.
func processBatch(ctx context.Context, products []model.Product, size int, delay time.Duration, run runFunc) (batchSummary, error) {
	var sum batchSummary
	if len(products) == 0 {
		zap.L().Info("no enabled products found")
		return sum, nil
	}
	if size <= 0 {
		size = 1
	}

	zap.L().Info("processing batch",
		zap.Int("products", len(products)),
		zap.Int("group_size", size),
		zap.Duration("delay", delay),
	)

	var succeeded, failed, review atomic.Int64
	for start := 0; start < len(products); start += size {
		if start > 0 && delay > 0 {
			if err := resilience.Sleep(ctx, delay); err != nil {
				return sum, eris.Wrap(err, "batch cancelled")
			}
		}

		group := products[start:min(start+size, len(products))]
		g, gctx := errgroup.WithContext(ctx)
		for _, product := range group {
			g.Go(func() error {
				log := zap.L().With(zap.String("product", product.Name), zap.String("url", product.VersionURL))

				result, err := run(gctx, product)
				if err != nil {
					failed.Add(1)
					log.Error("extraction failed", zap.Error(err))
					return nil // don't abort batch on individual failure
				}

				succeeded.Add(1)
				if result.RequiresManualReview {
					review.Add(1)
				}
				log.Info("extraction complete",
					zap.Bool("fetch_success", result.FetchSuccess),
					zap.Int("anomalies", len(result.Anomalies)),
				)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return sum, eris.Wrap(err, "batch processing")
		}
	}

	sum = batchSummary{Succeeded: succeeded.Load(), Failed: failed.Load(), Review: review.Load()}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("failed", sum.Failed),
		zap.Int64("manual_review", sum.Review),
	)
	return sum, ctx.Err()
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max products to process (0 = all)")
	rootCmd.AddCommand(batchCmd)
}
