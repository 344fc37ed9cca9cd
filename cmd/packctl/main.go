// Command packctl drives scans and evidence packs from the shell and checks
// archived packs offline.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"scriptguard/internal/app"
	"scriptguard/internal/config"
	"scriptguard/internal/ports"
	"scriptguard/internal/services/evidence"
)

const usage = `usage: packctl [-config file] <command> [args]

commands:
  scan <run-id>              process a queued scan run now
  pack <evidence-id>         assemble a queued evidence pack now
  verify [-pubkey hex] <zip> check an archive against its manifest
  pubkey                     print the public key of the configured signing key
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("packctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "scriptguard.yaml", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "verify":
		err = verify(rest, stdout, stderr)
	case "scan", "pack":
		if len(rest) != 1 {
			fs.Usage()
			return 2
		}
		err = process(*configPath, cmd, rest[0], stdout)
	case "pubkey":
		err = pubkey(*configPath, stdout)
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "packctl:", err)
		return 1
	}
	return 0
}

func process(configPath, cmd, refID string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	kind := ports.TaskScanRun
	if cmd == "pack" {
		kind = ports.TaskEvidencePack
	}
	perr := a.Runner.ProcessInline(ctx, kind, refID)

	var row any
	if kind == ports.TaskScanRun {
		row, err = a.Store.GetScanRun(ctx, refID)
	} else {
		row, err = a.Store.GetEvidencePack(ctx, refID)
	}
	if err != nil {
		return errors.Join(perr, err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(row); err != nil {
		return err
	}
	return perr
}

func verify(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pubHex := fs.String("pubkey", "", "hex ed25519 public key to check manifest.sig against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("verify needs exactly one archive path")
	}

	var pub ed25519.PublicKey
	if *pubHex != "" {
		raw, err := hex.DecodeString(*pubHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("pubkey must be %d hex-encoded bytes", ed25519.PublicKeySize)
		}
		pub = raw
	}

	archive, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := evidence.Verify(archive, pub)
	if err != nil {
		return err
	}

	m := res.Manifest
	fmt.Fprintf(stdout, "site %s (org %s), %s to %s, generated %s\n",
		m.SiteID, m.OrgID, m.Period.From, m.Period.To, m.GeneratedAt)
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, f := range m.Files {
		fmt.Fprintf(tw, "  %s\t%d\t%s\n", f.Path, f.Bytes, f.SHA256)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, p := range res.Missing {
		fmt.Fprintf(stdout, "missing:    %s\n", p)
	}
	for _, p := range res.Mismatched {
		fmt.Fprintf(stdout, "mismatched: %s\n", p)
	}
	for _, p := range res.Undeclared {
		fmt.Fprintf(stdout, "undeclared: %s\n", p)
	}
	switch {
	case !res.Signed:
		fmt.Fprintln(stdout, "signature:  none")
	case !res.SignatureChecked:
		fmt.Fprintln(stdout, "signature:  present, not checked (no -pubkey)")
	case res.SignatureError != "":
		fmt.Fprintf(stdout, "signature:  INVALID (%s)\n", res.SignatureError)
	default:
		fmt.Fprintln(stdout, "signature:  ok")
	}
	if !res.OK() {
		return errors.New("archive failed verification")
	}
	fmt.Fprintln(stdout, "ok")
	return nil
}

func pubkey(configPath string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Evidence.SigningKey == "" {
		return errors.New("evidence.signing_key is not configured")
	}
	s, err := evidence.NewSignerFromSeed(cfg.Evidence.SigningKey)
	if err != nil {
		return err
	}
	pub := s.PublicKey()
	fmt.Fprintf(stdout, "%s  key_id=%s\n", hex.EncodeToString(pub), evidence.KeyID(pub))
	return nil
}
