// Command eventctl is the administrative CLI of the event log: it rebuilds
// the read model, rehydrates single aggregates and purges them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/codehost/internal/app"
	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/config"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/platform/logger"
)

const usage = `usage: eventctl <command> [flags]

commands:
  rebuild                       fold the whole log and print read model totals
  show  -type T -id ID          rehydrate one aggregate and print its state
  purge -type T -id ID          delete every event and the snapshot of one aggregate

T is User or Repository. Settings come from the environment.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	req, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, req.cmd, req.aggregateType, req.id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type request struct {
	cmd           string
	aggregateType string
	id            string
}

// parseArgs reads the command and its flags.
func parseArgs(args []string, output io.Writer) (request, error) {
	req := request{cmd: args[0]}
	fs := flag.NewFlagSet(req.cmd, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&req.aggregateType, "type", user.AggregateType, "aggregate type (User or Repository)")
	fs.StringVar(&req.id, "id", "", "aggregate id")
	if err := fs.Parse(args[1:]); err != nil {
		return request{}, err
	}
	if fs.NArg() > 0 {
		return request{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return req, nil
}

func run(ctx context.Context, cmd, aggregateType, id string) error {
	switch cmd {
	case "rebuild":
	case "show", "purge":
		if id == "" {
			return errors.New("-id is required")
		}
		if aggregateType != user.AggregateType && aggregateType != repository.AggregateType {
			return fmt.Errorf("unknown aggregate type %q", aggregateType)
		}
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With("service", "eventctl")

	blobs, err := app.OpenBlobs(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open blobs: %w", err)
	}
	core, err := app.NewCore(ctx, cfg, blobs, app.CoreOptions{}, log)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Close(cctx); err != nil {
			log.Error("shutdown incomplete", "error", err)
		}
	}()

	switch cmd {
	case "rebuild":
		view := core.Projector.View()
		return printJSON(map[string]int{
			"users":        view.UserCount(),
			"repositories": view.RepositoryCount(),
		})
	case "show":
		admin := auth.Actor{ID: "eventctl", Role: auth.RoleAdmin}
		if aggregateType == repository.AggregateType {
			r, err := core.Repositories.Get(ctx, admin, id)
			if err != nil {
				return err
			}
			return printJSON(r)
		}
		u, err := core.Users.Get(ctx, id)
		if err != nil {
			return err
		}
		u.PasswordHash = ""
		return printJSON(u)
	default:
		if err := core.Purge(ctx, aggregateType, id); err != nil {
			return err
		}
		log.Warn("aggregate purged", "aggregate_type", aggregateType, "aggregate_id", id)
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
