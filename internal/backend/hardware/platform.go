// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hardware

import (
	"os"
	"path/filepath"
	"strings"
)

// PlatformKind is the accelerator family found on the host.
type PlatformKind string

const (
	PlatformNone   PlatformKind = "none"
	PlatformJetson PlatformKind = "jetson"
	PlatformDGPU   PlatformKind = "dgpu"
	PlatformVAAPI  PlatformKind = "vaapi"
)

// Platform is the result of a device probe.
type Platform struct {
	Kind          PlatformKind
	DeepStream    bool
	DeepStreamDir string
	Devices       []string
}

// Accelerated reports whether any accelerator was found.
func (p Platform) Accelerated() bool { return p.Kind != PlatformNone }

// Detect inspects device nodes below root ("/" in production). Only file
// presence is checked; element factories are verified separately.
func Detect(root, deepStreamDir string) Platform {
	if root == "" {
		root = "/"
	}
	if deepStreamDir == "" {
		deepStreamDir = "/opt/nvidia/deepstream/deepstream"
	}
	p := Platform{Kind: PlatformNone}

	at := func(rel string) string { return filepath.Join(root, rel) }
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	if b, err := os.ReadFile(at("etc/nv_tegra_release")); err == nil && len(strings.TrimSpace(string(b))) > 0 {
		p.Kind = PlatformJetson
		p.Devices = append(p.Devices, at("etc/nv_tegra_release"))
	} else if exists(at("dev/nvidia0")) {
		p.Kind = PlatformDGPU
		p.Devices = append(p.Devices, at("dev/nvidia0"))
	}

	if render := at("dev/dri/renderD128"); exists(render) {
		p.Devices = append(p.Devices, render)
		if p.Kind == PlatformNone {
			p.Kind = PlatformVAAPI
		}
	}

	ds := deepStreamDir
	if !filepath.IsAbs(ds) || root != "/" {
		ds = at(strings.TrimPrefix(deepStreamDir, "/"))
	}
	if exists(ds) {
		p.DeepStream = true
		p.DeepStreamDir = ds
	}
	return p
}
