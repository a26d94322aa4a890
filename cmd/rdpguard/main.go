package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rdpguard/internal/config"
	"rdpguard/internal/engine"
	"rdpguard/internal/enrich"
	"rdpguard/internal/firewall/ipt"
	"rdpguard/internal/liststore"
	"rdpguard/internal/logmon"
	"rdpguard/internal/trusted"
)

var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	if BuildTime == "" {
		BuildTime = time.Now().Format(time.RFC3339)
	}
	if len(os.Args) == 1 {
		usage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		usage()
	case "-v", "--version", "version":
		fmt.Printf("rdpguard v%s (built %s)\n", Version, BuildTime)
	case "allow", "unallow", "deny", "undeny":
		runListOp(cmd, os.Args[2:])
	case "show":
		runShow(os.Args[2:])
	case "check-rules":
		runCheckRules(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	case "monitor":
		runMonitor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`
Usage:
  rdpguard version
  rdpguard allow   <IPv4>        add to allow-list, sync rule
  rdpguard unallow <IPv4>        remove from allow-list, revoke rule
  rdpguard deny    <IPv4>        add to deny-list, sync rule
  rdpguard undeny  <IPv4>        remove from deny-list, revoke rule
  rdpguard show        [--json]  print both lists and live rules
  rdpguard check-rules [--json]  print live rules for the protected port
  rdpguard reconcile             rebuild missing rules from the lists
  rdpguard monitor [--interval 2s]  tail the auth log and ban offenders

All commands accept -c <dir> to select the config directory
(otherwise: $RDPGUARD_CONFIG_DIR, /etc/rdpguard, nearest ./configs).

Description:
  access-control monitor for a single remote-desktop listener:
  failed-authentication sources are promoted to a persistent deny-list
  backed by kernel filter rules; allow-listed sources bypass filtering.`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup wires config dir, lists, firewall backend and engine for one
// invocation.
func setup(fs *flag.FlagSet, log zerolog.Logger) (*engine.Engine, *config.Config, *enrich.Enricher) {
	cfgDir := fs.Lookup("c").Value.String()
	dir, ok := config.ResolveDir(cfgDir)
	if !ok {
		fatal("no config directory found (use -c, $RDPGUARD_CONFIG_DIR, or /etc/rdpguard)")
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fatal("config error: %v", err)
	}
	store, err := liststore.Open(cfg.AllowFile, cfg.DenyFile)
	if err != nil {
		fatal("list store error: %v", err)
	}
	be, err := ipt.New(cfg.Port)
	if err != nil {
		fatal("firewall backend error: %v", err)
	}
	if err := be.EnsureBase(); err != nil {
		fatal("firewall base error: %v", err)
	}
	enr := enrich.New(dir)
	eng := engine.New(store, be, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		AttemptLog:  cfg.AttemptLog,
		Enricher:    enr,
		Log:         log,
	})
	return eng, cfg, enr
}

func commonFlags(name string) *flag.FlagSet {
	// ContinueOnError so usage problems exit 1, not flag's default 2
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("c", "", "config directory")
	return fs
}

func runListOp(cmd string, args []string) {
	fs := commonFlags(cmd)
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 {
		fatal("usage: rdpguard %s <IPv4>", cmd)
	}
	eng, _, _ := setup(fs, quietLogger())
	addr := fs.Arg(0)

	var err error
	switch cmd {
	case "allow":
		var res liststore.AddResult
		if res, err = eng.Allow(addr); err == nil {
			report(cmd, addr, res == liststore.AlreadyPresent)
		}
	case "deny":
		var res liststore.AddResult
		if res, err = eng.Deny(addr); err == nil {
			report(cmd, addr, res == liststore.AlreadyPresent)
		}
	case "unallow":
		var res liststore.RemoveResult
		if res, err = eng.Unallow(addr); err == nil {
			report(cmd, addr, res == liststore.NotPresent)
		}
	case "undeny":
		var res liststore.RemoveResult
		if res, err = eng.Undeny(addr); err == nil {
			report(cmd, addr, res == liststore.NotPresent)
		}
	}
	if err != nil {
		fatal("%s error: %v", cmd, err)
	}
}

func report(cmd, addr string, noop bool) {
	if noop {
		fmt.Printf("✔ %s %s (no change)\n", cmd, addr)
		return
	}
	fmt.Printf("✔ %s %s\n", cmd, addr)
}

func runShow(args []string) {
	fs := commonFlags("show")
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	eng, cfg, enr := setup(fs, quietLogger())

	snap, err := eng.Inspect()
	if err != nil {
		fatal("inspect error: %v", err)
	}
	if *asJSON {
		b, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("Protected port: %d\n", cfg.Port)
	fmt.Printf("Allowed (%d):\n", len(snap.Allowed))
	for _, a := range snap.Allowed {
		fmt.Printf("  %s\n", addrLine(a, enr))
	}
	fmt.Printf("Denied (%d):\n", len(snap.Denied))
	for _, a := range snap.Denied {
		fmt.Printf("  %s\n", addrLine(a, enr))
	}
	fmt.Printf("Live rules (%d):\n", len(snap.LiveRules))
	for _, r := range snap.LiveRules {
		fmt.Printf("  %-6s %s port %d\n", r.Action, r.Addr, r.Port)
	}
}

// addrLine annotates a listed address with its origin summary. Lookups
// only run with the GeoLite2 databases loaded; otherwise every line
// could stall a full PTR timeout.
func addrLine(addr string, enr *enrich.Enricher) string {
	if !enr.Enabled() {
		return addr
	}
	if s := enr.Lookup(addr).Summary(); s != "" {
		return addr + "  (" + s + ")"
	}
	return addr
}

func runCheckRules(args []string) {
	fs := commonFlags("check-rules")
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	eng, cfg, _ := setup(fs, quietLogger())

	snap, err := eng.Inspect()
	if err != nil {
		fatal("inspect error: %v", err)
	}
	if *asJSON {
		b, _ := json.MarshalIndent(snap.LiveRules, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(snap.LiveRules) == 0 {
		fmt.Printf("(no live rules on port %d)\n", cfg.Port)
		return
	}
	for _, r := range snap.LiveRules {
		fmt.Printf("%-6s %s port %d\n", r.Action, r.Addr, r.Port)
	}
}

func runReconcile(args []string) {
	fs := commonFlags("reconcile")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	eng, _, _ := setup(fs, quietLogger())
	if err := eng.Reconcile(); err != nil {
		fatal("reconcile error: %v", err)
	}
	fmt.Println("✔ rules reconciled with lists")
}

func runMonitor(args []string) {
	fs := commonFlags("monitor")
	interval := fs.Duration("interval", 0, "tail poll interval (overrides POLL_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	eng, cfg, _ := setup(fs, log)

	// restarts restore full protection state before new events arrive
	if err := eng.Reconcile(); err != nil {
		log.Error().Err(err).Msg("startup reconcile incomplete")
	}

	poll := cfg.PollInterval
	if *interval > 0 {
		poll = *interval
	}
	mon, err := logmon.New(cfg.AuthLog, cfg.FailurePattern, poll, eng, log)
	if err != nil {
		fatal("monitor error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go trusted.New(cfg.TrustedFile, eng, log).Run(ctx, 30*time.Second)
	go dumpCounters(ctx, log)

	log.Info().
		Int("port", cfg.Port).
		Str("auth_log", cfg.AuthLog).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("monitor starting")
	if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
		fatal("monitor stopped: %v", err)
	}
	log.Info().Msg("monitor stopped")
}

// dumpCounters writes the event counters into the monitor log once a
// minute, one field per counter.
func dumpCounters(ctx context.Context, log zerolog.Logger) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var buf bytes.Buffer
			engine.WriteMetrics(&buf)
			ev := log.Info()
			for _, line := range strings.Split(buf.String(), "\n") {
				name, value, ok := strings.Cut(line, " ")
				if !ok || strings.HasPrefix(name, "#") {
					continue
				}
				ev = ev.Str(name, value)
			}
			ev.Msg("counters")
		}
	}
}

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
}
