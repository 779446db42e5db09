// main.go - admin control tool for wikistats
package main

import (
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// GlobalFlags are accepted by every command.
type GlobalFlags struct {
	JSON bool `long:"json" description:"Print machine readable output"`
}

type commands struct {
	HashKey  *HashKeyCommand
	Migrate  *MigrateCommand
	Status   *StatusCommand
	Purge    *PurgeCommand
	Snapshot *SnapshotCommand
	GeoLite  *GeoLiteCommand
	Engines  *EnginesCommand
	Classify *ClassifyCommand
	Seed     *SeedCommand
}

// buildParser registers every subcommand on a go-flags parser.
func buildParser() (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "statsctl"
	parser.LongDescription = "Maintenance commands for the wikistats server."

	cmds := &commands{
		HashKey:  &HashKeyCommand{globals: &globals},
		Migrate:  &MigrateCommand{globals: &globals},
		Status:   &StatusCommand{globals: &globals},
		Purge:    &PurgeCommand{globals: &globals},
		Snapshot: &SnapshotCommand{globals: &globals},
		GeoLite:  &GeoLiteCommand{globals: &globals},
		Engines:  &EnginesCommand{globals: &globals},
		Classify: &ClassifyCommand{globals: &globals},
		Seed:     &SeedCommand{globals: &globals},
	}

	parser.AddCommand("hash-key", "Hash an API key", "Hash an API key with bcrypt for WIKISTATS_API_KEY_HASH. Prompts when no key is given.", cmds.HashKey)
	parser.AddCommand("migrate", "Run database migrations", "Create or update the statistics tables and default settings.", cmds.Migrate)
	parser.AddCommand("status", "Show database statistics", "Show row counts of the statistics tables and connection stats.", cmds.Status)
	parser.AddCommand("purge", "Delete old statistics", "Delete statistics older than the retention period. Destructive operation with safety prompt.", cmds.Purge)
	parser.AddCommand("snapshot", "Record wiki history", "Scan the wiki page and media directories and store today's history values.", cmds.Snapshot)
	parser.AddCommand("geolite-update", "Update the GeoLite database", "Download the GeoLite2 City database if it is missing or outdated.", cmds.GeoLite)
	parser.AddCommand("engines", "List known search engines", "List the search engine catalog in matching order.", cmds.Engines)
	parser.AddCommand("seed", "Generate sample traffic", "Fill the database with synthetic visits, searches and edits for demos.", cmds.Seed)
	parser.AddCommand("classify", "Classify a referrer", "Show how a referrer URL would be logged.", cmds.Classify)

	return parser, &globals, cmds
}

// run parses args (os.Args when nil) and executes the matched command.
func run(args []string) error {
	parser, _, _ := buildParser()

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok && flagsErr.Type == goflags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

func main() {
	// go-flags prints the error itself
	if err := run(nil); err != nil {
		os.Exit(1)
	}
}
