// Command medtrace is the operator CLI for the device registry. Every
// subcommand opens the configured ledger store, runs one operation and exits.
// The acting identity is taken from -as; the CLI trusts its operator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"medtrace/internal/archive"
	"medtrace/internal/blob"
	"medtrace/internal/config"
	"medtrace/internal/core"
	httptransport "medtrace/internal/transport/http"
	"medtrace/pkg/domain"
)

var (
	exitFunc  = os.Exit
	lookupEnv = os.LookupEnv
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	commandName = "medtrace"
)

type command struct {
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = map[string]command{
	"init":     {"fix the contract owner (-deployer, default $MEDTRACE_DEPLOYER)", runInit},
	"register": {"register a device: -as <caller> <id> <status>", runRegister},
	"update":   {"append a status: -as <caller> <id> <status>", runUpdate},
	"history":  {"print a device history: <id>", runHistory},
	"certify":  {"issue a certification: -as <regulator> <id> <type>", runCertify},
	"verify":   {"check a certification: <id> <type>", runVerify},
	"approve":  {"approve a regulator: -as <owner> <authority> <type>", runApprove},
	"owner":    {"print the contract owner", runOwner},
	"archive":  {"archive the ledger, or check the archive chain with -verify", runArchive},
	"token":    {"mint a bearer token for the HTTP server: -sub <identity>", runToken},
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

type environment struct {
	cfg    config.Config
	stdout io.Writer
	stderr io.Writer
	svc    *core.Service
	store  core.PersistentStore
}

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unknown command %q\n", commandName, args[0])
		usage(stderr)
		return exitUsage
	}
	env := &environment{cfg: config.FromLookup(lookupEnv), stdout: stdout, stderr: stderr}
	ctx := context.Background()
	err := cmd.run(ctx, env, args[1:])
	if env.store != nil {
		if cerr := core.CloseStore(env.store); cerr != nil && err == nil {
			err = cerr
		}
	}
	var uerr usageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &uerr):
		fmt.Fprintf(stderr, "%s %s: %s\n", commandName, args[0], uerr.msg)
		return exitUsage
	default:
		if code := domain.CodeOf(err); code != 0 {
			fmt.Fprintf(stderr, "%s %s: %v (code %d)\n", commandName, args[0], err, code)
		} else {
			fmt.Fprintf(stderr, "%s %s: %v\n", commandName, args[0], err)
		}
		return exitFailed
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s <command> [flags] [args]\n\ncommands:\n", commandName)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
}

// open builds the service over the configured store.
func (e *environment) open(ctx context.Context) error {
	logger, err := config.NewLogger(e.cfg.Log, e.stderr)
	if err != nil {
		return err
	}
	store, err := core.OpenPersistentStore(ctx, e.cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open %s store: %w", e.cfg.Storage.Driver, err)
	}
	e.store = store
	e.svc = core.NewService(store, core.WithLogger(logger))
	return nil
}

func (e *environment) print(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *environment) printResult(res core.Result) {
	for _, v := range res.Violations {
		fmt.Fprintf(e.stderr, "warning: %s: %s\n", v.Rule, v.Message)
	}
}

func parseFlags(name string, env *environment, args []string, nargs int, setup func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(commandName+" "+name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, usageError{msg: err.Error()}
	}
	if fs.NArg() != nargs {
		return nil, usageError{msg: fmt.Sprintf("expected %d arguments, got %d", nargs, fs.NArg())}
	}
	return fs.Args(), nil
}

func callerFlag(fs *flag.FlagSet, dst *string) {
	fs.StringVar(dst, "as", "", "identity performing the operation")
}

func requireCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return usageError{msg: "-as is required"}
	}
	return nil
}

func runInit(ctx context.Context, env *environment, args []string) error {
	deployer := env.cfg.Deployer
	if _, err := parseFlags("init", env, args, 0, func(fs *flag.FlagSet) {
		fs.StringVar(&deployer, "deployer", deployer, "identity that becomes the contract owner")
	}); err != nil {
		return err
	}
	if err := env.open(ctx); err != nil {
		return err
	}
	if err := env.svc.Initialize(ctx, domain.Identity(deployer)); err != nil {
		return err
	}
	return env.print(map[string]string{"owner": deployer})
}

func runRegister(ctx context.Context, env *environment, args []string) error {
	return deviceMutation(ctx, env, "register", args, func(caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (core.Result, error) {
		return env.svc.RegisterDevice(ctx, caller, id, status)
	})
}

func runUpdate(ctx context.Context, env *environment, args []string) error {
	return deviceMutation(ctx, env, "update", args, func(caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (core.Result, error) {
		return env.svc.UpdateDeviceStatus(ctx, caller, id, status)
	})
}

func deviceMutation(ctx context.Context, env *environment, name string, args []string, op func(domain.Identity, domain.DeviceID, domain.DeviceStatus) (core.Result, error)) error {
	var caller string
	rest, err := parseFlags(name, env, args, 2, func(fs *flag.FlagSet) { callerFlag(fs, &caller) })
	if err != nil {
		return err
	}
	if err := requireCaller(caller); err != nil {
		return err
	}
	id, err := domain.ParseDeviceID(rest[0])
	if err != nil {
		return err
	}
	if err := env.open(ctx); err != nil {
		return err
	}
	res, err := op(domain.Identity(caller), id, domain.ParseDeviceStatus(rest[1]))
	if err != nil {
		return err
	}
	env.printResult(res)
	device, err := env.svc.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	return env.print(device)
}

func runHistory(ctx context.Context, env *environment, args []string) error {
	rest, err := parseFlags("history", env, args, 1, nil)
	if err != nil {
		return err
	}
	id, err := domain.ParseDeviceID(rest[0])
	if err != nil {
		return err
	}
	if err := env.open(ctx); err != nil {
		return err
	}
	history, err := env.svc.GetDeviceHistory(ctx, id)
	if err != nil {
		return err
	}
	return env.print(history)
}

func runCertify(ctx context.Context, env *environment, args []string) error {
	var caller string
	rest, err := parseFlags("certify", env, args, 2, func(fs *flag.FlagSet) { callerFlag(fs, &caller) })
	if err != nil {
		return err
	}
	if err := requireCaller(caller); err != nil {
		return err
	}
	id, err := domain.ParseDeviceID(rest[0])
	if err != nil {
		return err
	}
	certType := domain.ParseCertType(rest[1])
	if err := env.open(ctx); err != nil {
		return err
	}
	if _, err := env.svc.AddCertification(ctx, domain.Identity(caller), id, certType); err != nil {
		return err
	}
	cert, _ := env.svc.GetCertification(ctx, id, certType)
	return env.print(cert)
}

func runVerify(ctx context.Context, env *environment, args []string) error {
	rest, err := parseFlags("verify", env, args, 2, nil)
	if err != nil {
		return err
	}
	// an unparsable id is simply not certified
	id, _ := domain.ParseDeviceID(rest[0])
	certType := domain.ParseCertType(rest[1])
	if err := env.open(ctx); err != nil {
		return err
	}
	return env.print(map[string]any{
		"device_id": id,
		"cert_type": certType,
		"certified": env.svc.VerifyCertification(ctx, id, certType),
	})
}

func runApprove(ctx context.Context, env *environment, args []string) error {
	var caller string
	rest, err := parseFlags("approve", env, args, 2, func(fs *flag.FlagSet) { callerFlag(fs, &caller) })
	if err != nil {
		return err
	}
	if err := requireCaller(caller); err != nil {
		return err
	}
	authority := domain.Identity(rest[0])
	certType := domain.ParseCertType(rest[1])
	if err := env.open(ctx); err != nil {
		return err
	}
	if _, err := env.svc.AddRegulatoryBody(ctx, domain.Identity(caller), authority, certType); err != nil {
		return err
	}
	return env.print(map[string]any{"authority": authority, "cert_type": certType, "approved": true})
}

func runOwner(ctx context.Context, env *environment, args []string) error {
	if _, err := parseFlags("owner", env, args, 0, nil); err != nil {
		return err
	}
	if err := env.open(ctx); err != nil {
		return err
	}
	return env.print(map[string]any{"owner": env.svc.Owner(ctx)})
}

func runArchive(ctx context.Context, env *environment, args []string) error {
	var verify bool
	if _, err := parseFlags("archive", env, args, 0, func(fs *flag.FlagSet) {
		fs.BoolVar(&verify, "verify", false, "verify the archive chain instead of writing a generation")
	}); err != nil {
		return err
	}
	if err := env.open(ctx); err != nil {
		return err
	}
	store, err := blob.Open(ctx, env.cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	logger, _ := config.NewLogger(env.cfg.Log, env.stderr)
	arch := archive.New(store, env.svc, archive.WithLogger(logger))
	if verify {
		report, err := arch.Verify(ctx)
		if err != nil {
			return err
		}
		if err := env.print(report); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("archive chain broken at generation %d: %s", report.Broken.Generation, report.Broken.Reason)
		}
		return nil
	}
	manifest, written, err := arch.Archive(ctx)
	if err != nil {
		return err
	}
	if !written {
		fmt.Fprintf(env.stderr, "ledger unchanged since generation %d\n", manifest.Generation)
	}
	return env.print(manifest)
}

func runToken(_ context.Context, env *environment, args []string) error {
	var (
		subject string
		ttl     time.Duration
	)
	if _, err := parseFlags("token", env, args, 0, func(fs *flag.FlagSet) {
		fs.StringVar(&subject, "sub", "", "identity to embed as the token subject")
		fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	}); err != nil {
		return err
	}
	if strings.TrimSpace(subject) == "" {
		return usageError{msg: "-sub is required"}
	}
	token, err := httptransport.NewAuthenticator(env.cfg.JWTSigningKey).Issue(domain.Identity(subject), ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.stdout, token)
	return err
}
