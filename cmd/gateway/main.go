// Command gateway is the operator's control surface for the brokerage
// gateway sessions: start with 2FA retry, scoped stop/restart, and raw
// status.
//
// Usage:
//
//	gateway [-config config.yaml] start|stop|status|restart [-session paper|live]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cdodd/optcom/internal/config"
	"github.com/cdodd/optcom/internal/gateway"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	// Subcommand flags come after the command word.
	sub := flag.NewFlagSet(command, flag.ExitOnError)
	session := sub.String("session", "", "Limit the command to one session (paper|live)")
	if err := sub.Parse(flag.Args()[1:]); err != nil {
		os.Exit(2)
	}
	scope := gateway.Session(*session)
	if !scope.Valid() {
		fmt.Fprintf(os.Stderr, "unknown session %q (want paper or live)\n", *session)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stderr, "[GATEWAY] ", log.LstdFlags)
	mgr := gateway.NewManager(gateway.NewScriptRunner(cfg.Gateway.ScriptPath), logger)
	mgr.StartTimeout = cfg.GetStartTimeout()
	mgr.PollInterval = cfg.GetPollInterval()
	mgr.TwoFAMaxWait = cfg.GetTwoFAMaxWait()
	mgr.TwoFARetryInterval = cfg.GetTwoFARetryInterval()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err = dispatch(ctx, mgr, command, scope)
	cancel()
	if err != nil {
		logger.Printf("%s failed: %v", command, err)
		os.Exit(1)
	}
}

// errUnhealthy maps an unhealthy status report to a nonzero exit without
// cutting dispatch short.
var errUnhealthy = errors.New("one or more sessions unhealthy")

func dispatch(ctx context.Context, mgr *gateway.Manager, command string, scope gateway.Session) error {
	switch command {
	case "start":
		ok, err := mgr.StartWithRetry(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("gateway did not become healthy")
		}
		return nil

	case "stop":
		return mgr.Stop(ctx)

	case "status":
		status, err := mgr.CheckIndividualStatus(ctx)
		if err != nil {
			return err
		}
		// Operators read the script output directly; the derived states
		// go underneath.
		fmt.Print(status.Raw)
		fmt.Printf("paper: %s\nlive: %s\n",
			status.StateOf(gateway.SessionPaper), status.StateOf(gateway.SessionLive))
		if !status.Healthy() {
			return errUnhealthy
		}
		return nil

	case "restart":
		if scope == gateway.SessionBoth {
			ok, err := mgr.SmartRestart(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("one or more sessions did not recover")
			}
			return nil
		}
		return mgr.Restart(ctx, scope)

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: gateway [-config path] <command> [-session paper|live]

Commands:
  start    Start both sessions, retrying lapsed 2FA challenges
  stop     Stop both sessions
  status   Print session status (exit 1 when unhealthy)
  restart  Restart sessions; with no -session, restart only what is down
`)
}
