package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// timestampLayout renders a line as `timestamp:` followed by the
// strftime-style pattern `%a, %d %b %Y %T %z`.
const timestampLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// runTimestampTask appends a formatted timestamp line to the store every
// TimestampInterval. It only runs against the in-process log (the only
// store this server fronts); errors are logged and never propagate to the
// caller.
func (s *Server) runTimestampTask(ctx context.Context, backing *backingMirror) error {
	ticker := time.NewTicker(s.cfg.TimestampInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.appendTimestamp(backing); err != nil {
				s.log.Warnw("failed to append timestamp", zap.Error(err))
			}
		}
	}
}

func (s *Server) appendTimestamp(backing *backingMirror) error {
	line := fmt.Sprintf("timestamp:%s\n", time.Now().Format(timestampLayout))

	o := s.dev.Open()
	defer o.Release()

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	_, committed, err := o.Write([]byte(line))
	if err != nil {
		return err
	}

	return backing.append(committed)
}
