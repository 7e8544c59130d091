// Command reminders runs one reminder pass and exits, for hosts that
// schedule work with cron instead of calling the gateway.
//
// Exit status is 1 when the pass cannot run (configuration, database or an
// overlapping pass) and 2 when it ran but some alerts errored.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/app"
	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/config"
	"github.com/fcarle/accflow/internal/observ"
	"github.com/fcarle/accflow/internal/scheduler"
)

var errPartialFailure = errors.New("some alerts errored")

func main() {
	withGaps := flag.Bool("gaps", false, "run gap detection after the pass")
	skipPass := flag.Bool("gaps-only", false, "run gap detection without a reminder pass")
	flag.Parse()

	if err := run(*withGaps || *skipPass, !*skipPass); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errPartialFailure) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(detectGaps, runPass bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "accflow-reminders")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if runPass {
		if err := cfg.ValidateEmail(); err != nil {
			return apperr.Configuration("reminders", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := json.NewEncoder(os.Stdout)
	var partial bool

	if runPass {
		res, err := a.Scheduler.RunPass(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrPassInProgress) {
				logger.Warn("another pass is running, nothing to do")
			}
			return err
		}
		_ = out.Encode(map[string]any{"pass": res})
		partial = res.Errored > 0 || res.MarkFailed > 0
	}

	if detectGaps {
		res, err := a.Gaps.Detect(ctx)
		if err != nil {
			return fmt.Errorf("gap detection: %w", err)
		}
		_ = out.Encode(map[string]any{"gaps": map[string]int{
			"clients": res.Clients,
			"created": len(res.Created),
			"errored": res.Errored,
		}})
		partial = partial || res.Errored > 0
	}

	if partial {
		logger.Warn("run finished with errors",
			zap.Bool("pass", runPass),
			zap.Bool("gaps", detectGaps),
		)
		return errPartialFailure
	}
	return nil
}
