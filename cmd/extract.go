package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/versionvault/internal/model"
)

var (
	extractProduct      string
	extractURL          string
	extractManufacturer string
	extractMainURL      string
	extractKind         string
	extractFormat       string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract version information for one product",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind, err := parseKind(extractKind)
		if err != nil {
			return err
		}
		product := model.Product{
			Name:         extractProduct,
			Manufacturer: extractManufacturer,
			VersionURL:   extractURL,
			MainURL:      extractMainURL,
			SourceKind:   kind,
		}

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.Run(ctx, product)
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return writeOutput(os.Stdout, extractFormat, result)
	},
}

// parseKind accepts an empty kind (detect from the URL) or a known one.
func parseKind(s string) (model.SourceKind, error) {
	switch k := model.SourceKind(s); k {
	case "", model.SourceWebpage, model.SourceRSS, model.SourceForum,
		model.SourcePDF, model.SourceSitemap, model.SourcePlaintext:
		return k, nil
	default:
		return "", eris.Errorf("unknown source kind %q", s)
	}
}

// writeOutput renders v as indented JSON or YAML.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unknown output format %q", format)
	}
}

func init() {
	extractCmd.Flags().StringVar(&extractProduct, "product", "", "product name")
	extractCmd.Flags().StringVar(&extractURL, "url", "", "version page url")
	extractCmd.Flags().StringVar(&extractManufacturer, "manufacturer", "", "manufacturer name")
	extractCmd.Flags().StringVar(&extractMainURL, "main-url", "", "product main site url")
	extractCmd.Flags().StringVar(&extractKind, "kind", "", "source kind: webpage, rss, forum, pdf, sitemap or plaintext (default detect)")
	extractCmd.Flags().StringVar(&extractFormat, "format", "json", "output format: json or yaml")
	_ = extractCmd.MarkFlagRequired("product")
	_ = extractCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(extractCmd)
}
