package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikhilSetiya/annotation-enrichment/internal/app"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

const serviceName = "annotation-update"

// Exit codes
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
	exitUsage   = 64
)

type options struct {
	mode    string
	sources []string
	gene    string
	timeout time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return exitFailed
	}

	logger, err := app.NewLogger(cfg, serviceName)
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	components, err := app.New(ctx, cfg, logger, serviceName)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize application")
		return exitFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		components.Close(closeCtx)
	}()

	switch types.RunMode(opts.mode) {
	case types.RunModeGene:
		outcomes := make(map[string]*types.SourceOutcome, len(opts.sources))
		status := types.RunStatusCompleted
		names := opts.sources
		if len(names) == 0 {
			names = components.Registry.Names()
		}
		for _, name := range names {
			outcome, err := components.Pipeline.UpdateGene(ctx, name, opts.gene)
			if err != nil {
				logger.WithError(err).WithField("source", name).Error("Gene update failed")
				return exitFailed
			}
			outcomes[outcome.Source] = outcome
			if outcome.Status == types.SourceStatusFailed {
				status = types.RunStatusPartial
			}
		}
		printJSON(outcomes)
		return exitCode(status)

	case types.RunModeMissing:
		result, err := components.Pipeline.UpdateMissing(ctx, opts.sources)
		if err != nil {
			logger.WithError(err).Error("Update of missing annotations failed")
			return exitFailed
		}
		printJSON(result)
		return exitCode(result.Status)

	default:
		result, err := components.Pipeline.UpdateAll(ctx)
		if err != nil {
			logger.WithError(err).Error("Full update failed")
			return exitFailed
		}
		printJSON(result)
		return exitCode(result.Status)
	}
}

func parseOptions(args []string) (*options, error) {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	mode := fs.String("mode", string(types.RunModeMissing), "update mode: gene, missing or full")
	sourceList := fs.String("sources", "", "comma-separated source names (default: all active sources)")
	gene := fs.String("gene", "", "gene id or symbol, required in gene mode")
	timeout := fs.Duration("timeout", 0, "abort the update after this duration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{
		mode:    *mode,
		sources: config.SplitList(*sourceList),
		gene:    *gene,
		timeout: *timeout,
	}

	if !types.RunMode(opts.mode).Valid() {
		return nil, fmt.Errorf("unknown mode %q", opts.mode)
	}
	if types.RunMode(opts.mode) == types.RunModeGene && opts.gene == "" {
		return nil, fmt.Errorf("-gene is required in gene mode")
	}
	if types.RunMode(opts.mode) == types.RunModeFull && len(opts.sources) > 0 {
		return nil, fmt.Errorf("-sources cannot be combined with full mode")
	}
	return opts, nil
}

func exitCode(status types.RunStatus) int {
	switch status {
	case types.RunStatusCompleted:
		return exitOK
	case types.RunStatusPartial:
		return exitPartial
	default:
		return exitFailed
	}
}

func printJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		log.Printf("Failed to write result: %v", err)
	}
}
