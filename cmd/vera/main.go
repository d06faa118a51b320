package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/config"
	"github.com/TobiSchelling/vera/internal/database"
	"github.com/TobiSchelling/vera/internal/equivalence"
	"github.com/TobiSchelling/vera/internal/extract"
	"github.com/TobiSchelling/vera/internal/fda"
	"github.com/TobiSchelling/vera/internal/llm"
	"github.com/TobiSchelling/vera/internal/pipeline"
	"github.com/TobiSchelling/vera/internal/report"
	"github.com/TobiSchelling/vera/internal/server"
	"github.com/TobiSchelling/vera/internal/session"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vera",
	Short:   "510(k) predicate discovery and equivalence review",
	Long:    "vera searches FDA 510(k) clearances, extracts Indications for Use statements from predicate documents, and checks them against your device's intended use.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			if configPath != "" {
				return err
			}
			log.Printf("No config file found, using defaults")
			cfg = config.Default()
			return nil
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(importCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("vera", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/vera/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the backend URL, FDA sources and LLM provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Devices:")
		fmt.Printf("  Cached: %d\n", stats.Devices)
		fmt.Printf("  With 510(k) document: %d\n", stats.DevicesWithDoc)
		fmt.Printf("  Searches run: %d\n", stats.Searches)
		fmt.Println("\nExtractions:")
		fmt.Printf("  Total: %d\n", stats.Extractions)
		fmt.Printf("  With IFU: %d\n", stats.ExtractionsWithIFU)
		fmt.Println("\nAnalyses:")
		fmt.Printf("  Total: %d\n", stats.Analyses)
		fmt.Printf("  Equivalent: %d\n", stats.Equivalent)

		searches, err := db.GetRecentSearches(5)
		if err == nil && len(searches) > 0 {
			fmt.Println("\nRecent searches:")
			for _, s := range searches {
				fmt.Printf("  %s  %s  %d found, %d with document\n",
					deref(s.SearchedAt), describeSearch(s), s.TotalFound, s.WithDocument)
			}
		}

		client := api.NewClient(cfg.API.BaseURL, cfg.APITimeout())
		fmt.Printf("\nBackend: %s ", cfg.API.BaseURL)
		if err := client.Health(cmd.Context()); err != nil {
			fmt.Printf("(unreachable: %v)\n", err)
		} else {
			fmt.Println("(ok)")
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		b := cfg.Backend
		fdaClient := fda.NewClient(b.OpenFDAURL, b.DocumentBaseURL, cfg.BackendTimeout())
		extractor := extract.NewExtractor(fdaClient, cfg.GetDataDir(), b.FetchConcurrency, cfg.BackendTimeout())

		var recalls *fda.RecallFeed
		if b.RecallFeedURL != "" {
			recalls = fda.NewRecallFeed(b.RecallFeedURL)
		}

		l := cfg.LLM
		provider := llm.CreateProvider(l.Provider, l.Model, l.OllamaURL, l.OpenAIModel, l.APIKeyEnv)

		srv := server.New(server.Deps{
			DB:        db,
			Discovery: fda.NewDiscovery(fdaClient, recalls, extractor),
			Extractor: extractor,
			Analyzer:  equivalence.NewAnalyzer(db, provider, l.MaxTokens),
			Provider:  provider,
			MaxTokens: l.MaxTokens,
			Debug:     cfg.Debug(),
		})

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- search command ---

var (
	searchTerm      string
	productCode     string
	maxDownloads    int
	includeRecalled bool
)

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&searchTerm, "term", "t", "", "Device name to search for")
	cmd.Flags().StringVarP(&productCode, "code", "k", "", "FDA product code")
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", 0, "Documents to download while searching (default from config)")
	cmd.Flags().BoolVar(&includeRecalled, "include-recalled", false, "Keep recalled devices in the results")
}

func searchParams(cmd *cobra.Command) api.SearchParams {
	p := api.SearchParams{
		SearchTerm:      searchTerm,
		ProductCode:     productCode,
		MaxDownloads:    cfg.Search.MaxDownloads,
		IncludeRecalled: cfg.Search.IncludeRecalled,
	}
	if cmd.Flags().Changed("max-downloads") {
		p.MaxDownloads = maxDownloads
	}
	if cmd.Flags().Changed("include-recalled") {
		p.IncludeRecalled = includeRecalled
	}
	return p
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search 510(k) clearances",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		part, err := sess.Search.Search(cmd.Context(), searchParams(cmd))
		if err != nil {
			return err
		}
		printPartition(os.Stdout, part, sess)
		if s := sess.Search.Summary(); s != nil {
			fmt.Printf("\n%d found, %d with document, %d/%d downloads succeeded\n",
				s.TotalFound, s.DevicesWithDocuments, s.DownloadsSuccessful, s.DownloadsAttempted)
		}
		return nil
	},
}

func init() {
	addSearchFlags(searchCmd)
}

// --- review command ---

var (
	statement      string
	includeWithout bool
	outputPath     string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run a full review: search -> select -> extract IFU -> analyze equivalence",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()

		result := pipeline.New(sess).Run(cmd.Context(), pipeline.Options{
			Params:         searchParams(cmd),
			Statement:      statement,
			IncludeWithout: includeWithout,
		})

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/4: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		for id, err := range result.Failures {
			fmt.Printf("  %s: %v\n", id, err)
		}

		if outputPath != "" && len(result.Steps) > 1 {
			if err := report.Write(outputPath, report.FromResult(result)); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Printf("\nReport written to %s\n", outputPath)
		}
		if result.Failed() {
			return fmt.Errorf("review incomplete")
		}
		return nil
	},
}

func init() {
	addSearchFlags(reviewCmd)
	reviewCmd.Flags().StringVarP(&statement, "statement", "s", "", "Your device's intended use, compared against each predicate")
	reviewCmd.Flags().BoolVar(&includeWithout, "include-without", false, "Also extract devices without a 510(k) document")
	reviewCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write an .xlsx report")
}

// --- import command ---

var importKNumber string

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Extract IFU from a 510(k) document you already have",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening document: %w", err)
		}
		defer f.Close()

		b := cfg.Backend
		fdaClient := fda.NewClient(b.OpenFDAURL, b.DocumentBaseURL, cfg.BackendTimeout())
		extractor := extract.NewExtractor(fdaClient, cfg.GetDataDir(), b.FetchConcurrency, cfg.BackendTimeout())

		rec, summary, err := extractor.Import(importKNumber, f)
		if err != nil {
			return err
		}

		fmt.Printf("Device:       %s\n", summary.DeviceName)
		fmt.Printf("Manufacturer: %s\n", summary.Manufacturer)
		fmt.Printf("Description:  %s\n", summary.Description)
		fmt.Printf("Indications for Use:\n  %s\n", summary.IndicationOfUse)

		if rec.ID == "" {
			return nil
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SaveExtraction(rec); err != nil {
			return fmt.Errorf("saving extraction: %w", err)
		}
		fmt.Printf("\nSaved as the document for %s (%s)\n", rec.ID, rec.Status)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importKNumber, "k-number", "k", "", "Store the document and its extraction for this k-number")
}

// --- shell command ---

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive predicate review",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := newSession()
		defer sess.Close()
		return newShell(sess, os.Stdin, os.Stdout).run(cmd.Context())
	},
}

func newSession() *session.Session {
	client := api.NewClient(cfg.API.BaseURL, cfg.APITimeout())
	return session.NewFromClient(client, cfg.Analysis.Concurrency)
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

func describeSearch(s database.Search) string {
	switch {
	case s.SearchTerm != nil && s.ProductCode != nil:
		return fmt.Sprintf("%q [%s]", *s.SearchTerm, *s.ProductCode)
	case s.SearchTerm != nil:
		return fmt.Sprintf("%q", *s.SearchTerm)
	case s.ProductCode != nil:
		return fmt.Sprintf("[%s]", *s.ProductCode)
	}
	return "-"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
