// Package main is a command-line client for haven circles.
//
// It keeps its identity and MLS storage key in an encrypted key store under
// the data directory. The store password is read from the environment
// variable named by -password-env.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/opd-ai/haven"
	"github.com/opd-ai/haven/circle"
	"github.com/opd-ai/haven/config"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/mls"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	configFile  string
	dataDir     string
	logLevel    string
	passwordEnv string
	help        bool
	command     string
	args        []string
}

// parseCLIFlags parses args (without the program name).
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet("haven", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.configFile, "config", "", "TOML configuration file")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory (overrides the config file)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARNING, ERROR)")
	fs.StringVar(&cfg.passwordEnv, "password-env", "HAVEN_PASSWORD", "Environment variable holding the key store password")
	fs.BoolVar(&cfg.help, "help", false, "Show help message")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.command, cfg.args = rest[0], rest[1:]
	}
	return cfg, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: haven [options] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  id                           print the public key")
	fmt.Fprintln(w, "  keypackage                   publish a key package and inbox relay list")
	fmt.Fprintln(w, "  create <name> <pubkey>...    create a circle and invite contacts")
	fmt.Fprintln(w, "  circles                      list circles")
	fmt.Fprintln(w, "  invitations                  list pending invitations")
	fmt.Fprintln(w, "  accept <circle>              accept an invitation")
	fmt.Fprintln(w, "  decline <circle>             decline an invitation")
	fmt.Fprintln(w, "  share <circle> <lat> <lon>   share a location")
	fmt.Fprintln(w, "  leave <circle>               leave a circle")
	fmt.Fprintln(w, "  rotate <circle>              rotate this device's circle key")
	fmt.Fprintln(w, "  run                          receive invitations and locations until interrupted")
}

// loadConfig reads the config file when given and applies the overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	var cfg *config.Config
	if cli.configFile != "" {
		loaded, err := config.LoadFile(cli.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseCircleID decodes the hex form printed by the circles command.
func parseCircleID(s string) (mdk.GroupID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return mdk.GroupID{}, fmt.Errorf("invalid circle id: %w", err)
	}
	return mdk.GroupIDFromBytes(raw)
}

func parseCoordinates(lat, lon string) (float64, float64, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude: %w", err)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude: %w", err)
	}
	return la, lo, nil
}

func requireArgs(cli *CLIConfig, n int) error {
	if len(cli.args) < n {
		return fmt.Errorf("%s needs %d argument(s)", cli.command, n)
	}
	return nil
}

func runCommand(ctx context.Context, core *haven.Core, cli *CLIConfig, w io.Writer) error {
	switch cli.command {
	case "id":
		npub, err := core.Npub()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n%s\n", core.PublicKey(), npub)
	case "keypackage":
		res, err := core.PublishKeyPackage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Key package %s accepted by %d relay(s)\n", res.EventID, len(res.Accepted))
	case "create":
		if err := requireArgs(cli, 1); err != nil {
			return err
		}
		res, err := core.CreateCircle(ctx, cli.args[0], cli.args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Created %s\n", hex.EncodeToString(res.Circle.MLSGroupID))
		for pk, err := range res.Failed {
			fmt.Fprintf(w, "  welcome to %s not delivered: %v\n", pk, err)
		}
	case "circles":
		list, err := core.Circles().ListCircles(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			fmt.Fprintf(w, "%s  %-10s %s (%d members)\n",
				hex.EncodeToString(c.Circle.MLSGroupID), c.Membership.Status, c.Circle.DisplayName, len(c.Members))
		}
	case "invitations":
		list, err := core.Circles().PendingInvitations(ctx)
		if err != nil {
			return err
		}
		for _, inv := range list {
			fmt.Fprintf(w, "%s  %s from %s\n", hex.EncodeToString(inv.MLSGroupID[:]), inv.CircleName, inv.InviterPubkey)
		}
	case "accept", "decline", "leave", "rotate":
		if err := requireArgs(cli, 1); err != nil {
			return err
		}
		id, err := parseCircleID(cli.args[0])
		if err != nil {
			return err
		}
		switch cli.command {
		case "accept":
			_, err = core.AcceptInvitation(ctx, id)
		case "decline":
			err = core.DeclineInvitation(ctx, id)
		case "rotate":
			err = core.RotateKeys(ctx, id)
		default:
			_, err = core.LeaveCircle(ctx, id)
		}
		return err
	case "share":
		if err := requireArgs(cli, 3); err != nil {
			return err
		}
		id, err := parseCircleID(cli.args[0])
		if err != nil {
			return err
		}
		lat, lon, err := parseCoordinates(cli.args[1], cli.args[2])
		if err != nil {
			return err
		}
		res, err := core.ShareLocation(ctx, id, lat, lon)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Location accepted by %d relay(s)\n", len(res.Accepted))
	case "run":
		core.OnInvitation(func(inv *circle.Invitation) {
			fmt.Fprintf(w, "📨 Invitation to %s from %s (%s)\n", inv.CircleName, inv.InviterPubkey, hex.EncodeToString(inv.MLSGroupID[:]))
		})
		core.OnLocation(func(res *mls.Result) {
			fmt.Fprintf(w, "📍 %s at %.5f,%.5f\n", res.SenderPubkey, res.Location.Latitude, res.Location.Longitude)
		})
		core.OnGroupUpdate(func(res *mls.Result) {
			fmt.Fprintf(w, "🔄 Circle %s changed (%s)\n", hex.EncodeToString(res.MLSGroupID[:]), res.Update)
		})
		if err := core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", cli.command)
	}
	return nil
}

// setupSignalHandling cancels ctx on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\n🛑 Received signal %v, shutting down...\n", sig)
		cancel()
	}()
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if cli.help || cli.command == "" {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyLogLevel()

	password := os.Getenv(cli.passwordEnv)
	if password == "" {
		fmt.Fprintf(os.Stderr, "❌ %s is not set\n", cli.passwordEnv)
		os.Exit(1)
	}
	keys, err := crypto.NewEncryptedFileKeyStorage(cfg.DataDir, []byte(password))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to open key store: %v\n", err)
		os.Exit(1)
	}
	defer keys.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	core, err := haven.New(ctx, haven.Options{Config: cfg, KeyStorage: keys})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer core.Close()

	if err := runCommand(ctx, core, cli, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		core.Close()
		os.Exit(1)
	}
}
