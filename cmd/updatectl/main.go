// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command updatectl drives one payload install attempt from the command
// line, wiring internal/pipeline to a YAML install plan the way
// gangplank/cmd/main.go wires its jobspec file to a single cobra command
// tree, generalized from gangplank's single "run" verb to apply/status/
// version verbs over one long-lived journal (apply resumes an interrupted
// attempt itself).
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coreos/updatecore/internal/ecc"
	"github.com/coreos/updatecore/internal/journal"
	"github.com/coreos/updatecore/internal/pipeline"
	"github.com/coreos/updatecore/internal/platform"
	"github.com/coreos/updatecore/internal/platform/shell"
	"github.com/coreos/updatecore/internal/writer"
)

var (
	version = "devel"

	configPath string

	cmdRoot = &cobra.Command{
		Use:   "updatectl [command]",
		Short: "Apply and inspect A/B payload updates",
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("updatectl version %s\n", version)
		},
	}

	cmdApply = &cobra.Command{
		Use:   "apply",
		Short: "Apply the install plan in --config, resuming any in-progress attempt",
		RunE:  runApply,
	}

	cmdStatus = &cobra.Command{
		Use:   "status",
		Short: "Print the journal's recorded progress for --config's journal_path",
		RunE:  runStatus,
	}
)

func init() {
	log.SetOutput(os.Stdout)

	cmdRoot.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the install-plan YAML file")
	cmdRoot.AddCommand(cmdVersion)
	cmdRoot.AddCommand(cmdApply)
	cmdRoot.AddCommand(cmdStatus)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("updatectl: --config is required")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	keys, err := loadPublicKeys(cfg.KeyPaths)
	if err != nil {
		return err
	}

	fetcher, err := openFetcher(cfg)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("updatectl: open journal: %w", err)
	}
	defer j.Close()

	devices := shell.PartLabelDevices{Root: cfg.DevicesRoot}
	slots := shell.CgptBootSlots{Devices: devices, Partition: cfg.Partition}

	current, err := slots.Current()
	if err != nil {
		return fmt.Errorf("updatectl: resolve current slot: %w", err)
	}
	target, err := slots.Target()
	if err != nil {
		return fmt.Errorf("updatectl: resolve target slot: %w", err)
	}
	log.WithFields(log.Fields{"current": current, "target": target}).Info("resolved boot slots")

	plan := pipeline.InstallPlan{
		Fetcher:     fetcher,
		KeySet:      keys,
		Journal:     j,
		BootID:      cfg.BootID,
		UpdateID:    cfg.UpdateID,
		CurrentSlot: current,
		TargetSlot:  target,
		Slots:       slots,
		Devices:     devices,
		Interactive: cfg.Interactive,
	}

	switch cfg.Mode {
	case "raw":
		plan.Mode = writer.KindRaw
		plan.Recovery = &ecc.Reader{}
	case "cow":
		plan.Mode = writer.KindCow
		plan.Snapshots = shell.DmSnapshotWriter{Devices: devices, CowDir: cfg.CowDir}
	default:
		return fmt.Errorf("updatectl: unknown mode %q", cfg.Mode)
	}

	notifier := newProgressNotifier(cfg.ProgressAddr)
	cb := pipeline.Callbacks{
		OnProgress: func(f float64) {
			notifier.progress(f)
			log.WithField("fraction", f).Debug("progress")
		},
		OnStageChange: func(s pipeline.Stage) {
			notifier.stage(s.String())
			log.WithField("stage", s).Info("stage change")
		},
		OnComplete: func(err error) {
			notifier.complete(err)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt, cancelling attempt")
		cancel()
	}()

	if err := pipeline.Run(ctx, plan, cb); err != nil {
		return fmt.Errorf("updatectl: install failed: %w", err)
	}
	log.Info("install complete")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("updatectl: --config is required")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("updatectl: open journal: %w", err)
	}
	defer j.Close()

	progress, ok, err := j.LoadProgress()
	if err != nil {
		return fmt.Errorf("updatectl: read progress: %w", err)
	}
	if !ok {
		fmt.Println("no in-progress attempt")
		return nil
	}
	fmt.Printf("next operation: %d\n", progress.NextOperation)
	return nil
}

func loadPublicKeys(paths []string) ([]*rsa.PublicKey, error) {
	keys := make([]*rsa.PublicKey, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("updatectl: read key %s: %w", path, err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("updatectl: %s is not PEM-encoded", path)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("updatectl: parse key %s: %w", path, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("updatectl: %s is not an RSA public key", path)
		}
		keys = append(keys, rsaPub)
	}
	return keys, nil
}

// readCloserReader adapts a platform.Reader to also expose Close, so
// runApply can defer-close whichever fetcher openFetcher returns.
type readCloserReader interface {
	platform.Reader
	Close() error
}

func openFetcher(cfg *Config) (readCloserReader, error) {
	if cfg.PayloadPath != "" {
		f, err := os.Open(cfg.PayloadPath)
		if err != nil {
			return nil, fmt.Errorf("updatectl: open payload: %w", err)
		}
		return f, nil
	}
	resp, err := http.Get(cfg.PayloadURL)
	if err != nil {
		return nil, fmt.Errorf("updatectl: fetch payload: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("updatectl: fetch payload: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
