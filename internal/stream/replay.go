package stream

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sttmux/sttmux/pkg/audio"
)

// replayPump streams the stored upload through the realtime-paced decoder
// and into the regular fan-out path, then drains the provider lanes and
// unwinds the session.
func (s *Session) replayPump(ctx context.Context) {
	f, err := os.Open(s.replayIn.FilePath)
	if err != nil {
		s.fatal(fmt.Errorf("replay: open upload: %w", err))
		return
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := s.decoder.Write(buf[:n]); werr != nil {
				s.fatal(fmt.Errorf("replay: codec input: %w", werr))
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.fatal(fmt.Errorf("replay: read upload: %w", rerr))
			return
		}
	}

	s.decoder.CloseInput()
	waitErr := s.decoder.Wait()

	decodedMs := audio.DurationMs(int(s.decoder.BytesDecoded()),
		s.cfg.Audio.TargetSampleRate, s.clientCfg.Channels)
	if waitErr != nil {
		s.fatal(fmt.Errorf("replay: decode: %w", waitErr))
		return
	}
	if decodedMs < s.cfg.Audio.MinReplayDurationMs {
		s.fatal(fmt.Errorf("replay: decoded %.0f ms of audio, need at least %.0f ms", decodedMs, s.cfg.Audio.MinReplayDurationMs))
		return
	}

	// End of file flushes each provider into its final transcripts before
	// the session unwinds.
	lanes := s.lanesSnapshot()
	for _, lane := range lanes {
		lane.end()
	}
	for _, lane := range lanes {
		lane.await(s.drainWait)
	}
	if s.cancel != nil {
		s.cancel(errReplayComplete)
	}
}
