package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/NikhilSetiya/annotation-enrichment/internal/database"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
)

// schema is the part of the migrator the commands drive
type schema interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (database.MigrationStatus, error)
}

type command struct {
	usage string
	help  string
	args  int
	run   func(s schema, out io.Writer, n int) error
}

var commands = map[string]command{
	"up": {usage: "up", help: "apply every pending migration", run: func(s schema, out io.Writer, _ int) error {
		if err := s.Up(); err != nil {
			return err
		}
		return printStatus(s, out)
	}},
	"down": {usage: "down", help: "revert every applied migration", run: func(s schema, out io.Writer, _ int) error {
		if err := s.Down(); err != nil {
			return err
		}
		return printStatus(s, out)
	}},
	"steps": {usage: "steps <n>", help: "apply n migrations, or revert -n", args: 1, run: func(s schema, out io.Writer, n int) error {
		if err := s.Steps(n); err != nil {
			return err
		}
		return printStatus(s, out)
	}},
	"force": {usage: "force <v>", help: "record version v without running migrations", args: 1, run: func(s schema, out io.Writer, v int) error {
		if err := s.Force(v); err != nil {
			return err
		}
		return printStatus(s, out)
	}},
	"status": {usage: "status", help: "print the schema version", run: func(s schema, out io.Writer, _ int) error {
		return printStatus(s, out)
	}},
}

var order = []string{"up", "down", "steps", "force", "status"}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" {
		usage(stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	name := args[0]
	if name == "version" {
		name = "status"
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 1
	}
	n, err := parseArg(cmd, args[1:])
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.usage, err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	migrator, err := database.NewMigrator(&cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	return execute(cmd, migrator, n, stdout, stderr)
}

func execute(cmd command, s schema, n int, stdout, stderr io.Writer) int {
	if err := cmd.run(s, stdout, n); err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", cmd.usage, err)
		return 1
	}
	return 0
}

func parseArg(cmd command, args []string) (int, error) {
	if cmd.args == 0 {
		if len(args) > 0 {
			return 0, fmt.Errorf("unexpected argument %q", args[0])
		}
		return 0, nil
	}
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one integer argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}

func printStatus(s schema, out io.Writer) error {
	status, err := s.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d", status.Version)
	if status.Dirty {
		fmt.Fprint(out, " (dirty: fix the failed migration, then run force)")
	}
	fmt.Fprintln(out)
	return nil
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: migrate <command>")
	fmt.Fprintln(out)
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(out, "  %-12s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Migrations are read from DB_MIGRATIONS_PATH (default: migrations).")
}
