// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/config"
	"github.com/ManuGH/vaflow/internal/daemon"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/version"
)

// backendReport is one row of `vaflowd backends`.
type backendReport struct {
	Kind         model.BackendKind `json:"kind"`
	Capabilities []model.StageKind `json:"capabilities"`
	Covers       bool              `json:"covers_required"`
}

func newBackendsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Probe every backend variant and report its stage capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(configPath(cmd), version.Version).Load()
			if err != nil {
				return err
			}
			opts, err := daemon.BackendOptions(cfg.Backend)
			if err != nil {
				return err
			}
			required, err := cfg.Backend.RequiredKinds()
			if err != nil {
				return err
			}
			reg := backend.NewRegistry(daemon.Candidates(cfg.Backend), append(opts, backend.WithLogger(zerolog.Nop()))...)
			return writeBackends(cmd.OutOrStdout(), probeBackends(cmd, reg, required), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func probeBackends(cmd *cobra.Command, reg *backend.Registry, required []model.StageKind) []backendReport {
	probed := reg.Probe(cmd.Context())
	out := make([]backendReport, 0, len(probed))
	for _, kind := range []model.BackendKind{model.BackendHardware, model.BackendSoftware, model.BackendTestStub} {
		caps, ok := probed[kind]
		if !ok {
			continue
		}
		out = append(out, backendReport{Kind: kind, Capabilities: caps, Covers: coversAll(caps, required)})
	}
	return out
}

func coversAll(caps, required []model.StageKind) bool {
	have := make(map[model.StageKind]bool, len(caps))
	for _, c := range caps {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return len(caps) > 0
}

func writeBackends(w io.Writer, rows []backendReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tUSABLE\tCAPABILITIES")
	for _, r := range rows {
		kinds := make([]string, 0, len(r.Capabilities))
		for _, k := range r.Capabilities {
			kinds = append(kinds, string(k))
		}
		caps := strings.Join(kinds, ",")
		if caps == "" {
			caps = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", r.Kind, r.Covers, caps)
	}
	return tw.Flush()
}
