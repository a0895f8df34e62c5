// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !gst

package hardware

import (
	"context"
	"errors"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/model"
)

var errNoGStreamer = errors.New("built without gst tag")

func findFactory([]string) (string, bool) { return "", false }

func buildElement(context.Context, string, model.StageDescriptor, int) (backend.Stage, error) {
	return nil, errNoGStreamer
}
