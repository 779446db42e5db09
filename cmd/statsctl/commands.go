package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"wikistats/internal"
	"wikistats/internal/config"
	"wikistats/internal/database"
	"wikistats/internal/events"
	"wikistats/internal/referrers"
	"wikistats/internal/searchengines"
	"wikistats/internal/seeder"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	minAPIKeyLength        = 16
)

// output is where commands print; tests swap it.
var output io.Writer = os.Stdout

// input is where prompts read from; tests swap it.
var input io.Reader = os.Stdin

func printJSON(v any) error {
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the application for commands that need the database and
// shuts it down afterwards. The server itself is never started.
func withApp(fn func(app *internal.Application) error) error {
	app, err := internal.NewApp()
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cleanup error: %v\n", err)
		}
	}()
	return fn(app)
}

// HashKeyCommand prints the bcrypt hash of an API key.
type HashKeyCommand struct {
	globals *GlobalFlags
	Cost    int `long:"cost" default:"12" description:"bcrypt cost"`
	Args    struct {
		Key string `positional-arg-name:"key" description:"API key, prompted for when omitted"`
	} `positional-args:"yes"`
}

func (c *HashKeyCommand) Execute(args []string) error {
	key := c.Args.Key
	if key == "" {
		var err error
		if key, err = readKey(); err != nil {
			return err
		}
	}

	hash, err := hashAPIKey(key, c.Cost)
	if err != nil {
		return err
	}

	if c.globals.JSON {
		return printJSON(map[string]string{"hash": hash})
	}
	fmt.Fprintln(output, hash)
	return nil
}

// hashAPIKey validates key and hashes it with bcrypt.
func hashAPIKey(key string, cost int) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) < minAPIKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters", minAPIKeyLength)
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// readKey prompts twice without echo on a terminal and reads a single
// line otherwise.
func readKey() (string, error) {
	if f, ok := input.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "Enter API key: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read api key: %w", err)
		}

		fmt.Fprint(os.Stderr, "Confirm API key: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read api key: %w", err)
		}

		if string(first) != string(second) {
			return "", errors.New("api keys do not match")
		}
		return string(first), nil
	}

	line, err := bufio.NewReader(input).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// MigrateCommand runs database migrations.
type MigrateCommand struct {
	globals *GlobalFlags
}

func (c *MigrateCommand) Execute(args []string) error {
	return withApp(func(app *internal.Application) error {
		if err := app.DBManager.MigrateDatabase(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Fprintln(output, "Migrations completed successfully")
		return nil
	})
}

// StatusCommand prints row counts and connection stats.
type StatusCommand struct {
	globals *GlobalFlags
}

func (c *StatusCommand) Execute(args []string) error {
	return withApp(func(app *internal.Application) error {
		db := app.DBManager.GetConnection()

		tables, err := database.Status(db)
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get SQL DB: %w", err)
		}
		stats := sqlDB.Stats()

		if c.globals.JSON {
			return printJSON(map[string]any{
				"tables":           tables,
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
			})
		}

		w := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tROWS\tOLDEST")
		for _, t := range tables {
			oldest := t.Oldest
			if oldest == "" {
				oldest = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", t.Table, t.Rows, oldest)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(output, "\nOpen connections: %d (in use %d, idle %d)\n", stats.OpenConnections, stats.InUse, stats.Idle)
		return nil
	})
}

// PurgeCommand deletes statistics older than a number of days.
type PurgeCommand struct {
	globals *GlobalFlags
	Days    int  `long:"days" description:"Keep this many days (defaults to WIKISTATS_RETENTION_DAYS)"`
	Force   bool `long:"force" description:"Skip the confirmation prompt"`
}

func (c *PurgeCommand) Execute(args []string) error {
	days := c.Days
	if days == 0 {
		days = config.GetConfig().RetentionDays
	}
	if days <= 0 {
		return errors.New("purge needs --days or a positive WIKISTATS_RETENTION_DAYS")
	}

	if !c.Force {
		fmt.Fprintf(output, "This permanently deletes all statistics older than %d days.\n", days)
		fmt.Fprint(output, `Type "PURGE" to confirm: `)

		scanner := bufio.NewScanner(input)
		if !scanner.Scan() {
			return errors.New("aborted: no input received")
		}
		if strings.TrimSpace(scanner.Text()) != "PURGE" {
			return errors.New("aborted: confirmation text did not match")
		}
	}

	return withApp(func(app *internal.Application) error {
		deleted, err := app.Scheduler.Retention().Purge(days)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		if c.globals.JSON {
			return printJSON(map[string]any{"deleted": deleted, "days": days})
		}
		fmt.Fprintf(output, "Deleted %d rows older than %d days\n", deleted, days)
		return nil
	})
}

// SnapshotCommand records the wiki history values for today.
type SnapshotCommand struct {
	globals *GlobalFlags
}

func (c *SnapshotCommand) Execute(args []string) error {
	return withApp(func(app *internal.Application) error {
		if err := app.Scheduler.History().Snapshot(time.Now().UTC()); err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		fmt.Fprintln(output, "History snapshot recorded")
		return nil
	})
}

// GeoLiteCommand runs the GeoLite updater once.
type GeoLiteCommand struct {
	globals *GlobalFlags
}

func (c *GeoLiteCommand) Execute(args []string) error {
	return withApp(func(app *internal.Application) error {
		job := app.Scheduler.GeoLite()
		if !job.Configured() {
			return errors.New("WIKISTATS_GEOLITE_LICENSE_KEY is not set")
		}
		if err := job.Run(); err != nil {
			return fmt.Errorf("geolite update failed: %w", err)
		}
		fmt.Fprintln(output, "GeoLite database is up to date")
		return nil
	})
}

// loadClassifier builds a classifier bound to baseURL without touching
// the database.
func loadClassifier(baseURL string) (*referrers.Classifier, error) {
	catalog, err := searchengines.Default()
	if err != nil {
		return nil, err
	}
	if err := catalog.ResolveSelf(baseURL); err != nil {
		return nil, err
	}
	return referrers.NewClassifier(catalog), nil
}

// EnginesCommand lists the search engine catalog.
type EnginesCommand struct {
	globals *GlobalFlags
	BaseURL string `long:"base-url" description:"Wiki base URL (defaults to WIKISTATS_BASE_URL)"`
}

func (c *EnginesCommand) Execute(args []string) error {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = config.GetConfig().BaseURL
	}
	classifier, err := loadClassifier(baseURL)
	if err != nil {
		return err
	}
	catalog := classifier.Catalog()
	signatures := catalog.Signatures()

	if c.globals.JSON {
		type engine struct {
			Key    string   `json:"key"`
			Name   string   `json:"name"`
			URL    string   `json:"url,omitempty"`
			Params []string `json:"params"`
		}
		list := make([]engine, 0, len(signatures))
		for _, sig := range signatures {
			list = append(list, engine{Key: sig.Key, Name: catalog.LookupName(sig.Key), URL: sig.HomepageURL, Params: sig.QueryParamNames})
		}
		return printJSON(list)
	}

	w := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tPARAMS\tURL")
	for _, sig := range signatures {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sig.Key, catalog.LookupName(sig.Key), strings.Join(sig.QueryParamNames, ","), sig.HomepageURL)
	}
	return w.Flush()
}

// ClassifyCommand prints the classification of a referrer.
type ClassifyCommand struct {
	globals *GlobalFlags
	BaseURL string `long:"base-url" description:"Wiki base URL (defaults to WIKISTATS_BASE_URL)"`
	Args    struct {
		Referrer string `positional-arg-name:"referrer" required:"yes"`
	} `positional-args:"yes"`
}

func (c *ClassifyCommand) Execute(args []string) error {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = config.GetConfig().BaseURL
	}
	classifier, err := loadClassifier(baseURL)
	if err != nil {
		return err
	}

	result := classifier.Classify(c.Args.Referrer, "")
	if c.globals.JSON {
		return printJSON(result)
	}

	fmt.Fprintf(output, "kind:   %s\n", result.Kind)
	if result.Host != "" {
		fmt.Fprintf(output, "host:   %s\n", result.Host)
	}
	if result.IsSearch() {
		fmt.Fprintf(output, "engine: %s (%s)\n", classifier.Catalog().LookupName(result.EngineKey), result.EngineKey)
		fmt.Fprintf(output, "query:  %s\n", result.Query)
	}
	return nil
}

// SeedCommand fills the database with synthetic traffic.
type SeedCommand struct {
	globals *GlobalFlags
	Visits  int    `long:"visits" default:"500" description:"Number of visits to generate"`
	Days    int    `long:"days" default:"30" description:"Spread visits over this many past days"`
	Seed    uint64 `long:"seed" description:"Random seed for reproducible data"`
}

func (c *SeedCommand) Execute(args []string) error {
	return withApp(func(app *internal.Application) error {
		cfg := config.GetConfig()
		s := seeder.NewSeeder(app.DBManager, app.Logger, app.Services.Classifier,
			events.OptionsFromConfig(cfg), cfg.BaseURL, c.Visits, c.Days, c.Seed)

		stats, err := s.Run(context.Background())
		if err != nil {
			return fmt.Errorf("seeding failed: %w", err)
		}
		if c.globals.JSON {
			return printJSON(stats)
		}
		fmt.Fprintf(output, "Seeded %d visits with %d page views\n", stats.Visits, stats.Pageviews)
		return nil
	})
}
