// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package results

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vaflow/internal/backend"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
)

// Pump moves frames of one source through det into pub until the frame
// channel closes or ctx ends.
func Pump(ctx context.Context, id model.SourceID, frames <-chan model.Frame, det backend.Detector, pub Publisher, logger zerolog.Logger) {
	for {
		var f model.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case f, ok = <-frames:
			if !ok {
				return
			}
		}
		if f.Source == "" {
			f.Source = id
		}

		dets, err := det.Detect(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug().Err(err).Str(xglog.FieldSourceID, string(id)).Uint64("frame", f.Sequence).Msg("detect failed")
			continue
		}
		err = pub.Publish(model.FrameResult{
			Source:     f.Source,
			Sequence:   f.Sequence,
			Timestamp:  f.Timestamp,
			Detections: dets,
		})
		if err != nil && !errors.Is(err, ErrOutOfOrder) {
			logger.Warn().Err(err).Str(xglog.FieldSourceID, string(id)).Msg("publish result failed")
		}
	}
}
