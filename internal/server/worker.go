package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yanet-platform/cmdlog/internal/store"
)

// seekToPrefix marks a line as a seek control rather than a command to
// append.
const seekToPrefix = "AESDCHAR_IOCSEEKTO:"

// runWorker implements the per-connection protocol: read until newline,
// forward the framed command (or interpret a seek directive), then stream
// the store's contents back.
func (s *Server) runWorker(ctx context.Context, conn net.Conn, backing *backingMirror) error {
	addr := conn.RemoteAddr().String()
	s.log.Infow("accepted connection", zap.String("addr", addr))
	defer func() {
		shutdownBothDirections(conn)
		s.log.Infow("closed connection", zap.String("addr", addr))
	}()

	o := s.dev.Open()
	defer o.Release()

	command, found, err := readCommand(conn, int(s.cfg.ReadChunk.Bytes()))
	if err != nil {
		s.log.Errorw("recv failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	if !found {
		s.log.Warnw("connection closed before a complete command was received",
			zap.String("addr", addr), zap.Int("buffered", len(command)),
		)
		return nil
	}

	if cmdIndex, byteOffset, isSeek, perr := parseSeekTo(command); isSeek {
		if perr != nil {
			s.log.Errorw("invalid seek_to directive", zap.String("addr", addr), zap.Error(perr))
			return perr
		}
		if _, err := o.SeekTo(cmdIndex, byteOffset); err != nil {
			s.log.Errorw("seek_to failed", zap.String("addr", addr), zap.Error(err))
		}
		return nil
	}

	s.storeMu.Lock()
	_, committed, err := writeAll(ctx, o, command)
	s.storeMu.Unlock()
	if err != nil {
		s.log.Errorw("write to store failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	if err := backing.append(committed); err != nil {
		s.log.Warnw("failed to mirror command to backing file", zap.Error(err))
	}

	s.storeMu.Lock()
	err = s.streamBack(conn, o)
	s.storeMu.Unlock()
	if err != nil {
		s.log.Errorw("send failed", zap.String("addr", addr), zap.Error(err))
		return err
	}

	return nil
}

// readCommand grows a receive buffer by READ_CHUNK-sized reads until the
// first newline is found. found is false when the peer closed the
// connection before completing a command; a non-nil err indicates a real
// transport error rather than a clean close.
func readCommand(conn net.Conn, chunkSize int) (cmd []byte, found bool, err error) {
	if chunkSize <= 0 {
		chunkSize = int(store.DefaultReadChunk.Bytes())
	}

	var buf []byte
	chunk := make([]byte, chunkSize)

	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			start := len(buf)
			buf = append(buf, chunk[:n]...)
			if idx := bytes.IndexByte(buf[start:], '\n'); idx >= 0 {
				return buf[:start+idx+1], true, nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return buf, false, nil
			}
			return nil, false, fmt.Errorf("recv: %w: %w", store.KindIO, rerr)
		}
	}
}

// parseSeekTo reports whether cmd is a seek_to directive and, if so,
// parses its "<decimal>,<uint>" payload. The second integer accepts a
// 0x-prefixed hex literal or plain decimal.
func parseSeekTo(cmd []byte) (cmdIndex, byteOffset uint32, isSeek bool, err error) {
	if !bytes.HasPrefix(cmd, []byte(seekToPrefix)) {
		return 0, 0, false, nil
	}

	rest := bytes.TrimSuffix(cmd[len(seekToPrefix):], []byte("\n"))
	parts := bytes.SplitN(rest, []byte(","), 2)
	if len(parts) != 2 {
		return 0, 0, true, fmt.Errorf("malformed seek_to payload %q: %w", rest, store.KindInvalidArgument)
	}

	idx, idxErr := strconv.ParseUint(string(parts[0]), 10, 32)
	offBase, offDigits := 10, parts[1]
	if bytes.HasPrefix(offDigits, []byte("0x")) || bytes.HasPrefix(offDigits, []byte("0X")) {
		offBase, offDigits = 16, offDigits[2:]
	}
	off, offErr := strconv.ParseUint(string(offDigits), offBase, 32)
	if idxErr != nil || offErr != nil {
		return 0, 0, true, fmt.Errorf("malformed seek_to payload %q: %w", rest, store.KindInvalidArgument)
	}

	return uint32(idx), uint32(off), true, nil
}

// writeAll forwards buf to the store, retrying short writes with a small
// constant backoff until every byte is accepted, a permanent error occurs,
// or 8 attempts have been made.
func writeAll(ctx context.Context, o *store.Open, buf []byte) (n int, committed []byte, err error) {
	type result struct {
		n         int
		committed []byte
	}

	total := 0
	var last []byte

	_, err = backoff.Retry(ctx, func() (result, error) {
		wrote, c, werr := o.Write(buf[total:])
		if werr != nil {
			return result{}, backoff.Permanent(werr)
		}
		if c != nil {
			last = c
		}
		total += wrote
		if total < len(buf) {
			return result{}, fmt.Errorf("short write: accepted %d of %d bytes", total, len(buf))
		}
		return result{n: total, committed: last}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(time.Millisecond)), backoff.WithMaxTries(8))

	return total, last, err
}

// streamBack replies with the store's full current contents, starting at
// absolute offset 0, in ReadChunk-sized pieces.
func (s *Server) streamBack(conn net.Conn, o *store.Open) error {
	chunkSize := int(s.cfg.ReadChunk.Bytes())
	if chunkSize <= 0 {
		chunkSize = int(store.DefaultReadChunk.Bytes())
	}

	buf := make([]byte, chunkSize)
	var pos int64

	for {
		n, newPos, err := o.Read(buf, pos)
		if err != nil {
			return fmt.Errorf("read from store: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := conn.Write(buf[:n]); err != nil {
			return fmt.Errorf("send: %w: %w", store.KindIO, err)
		}
		pos = newPos
	}
}

func shutdownBothDirections(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
		_ = tcp.CloseWrite()
	}
	_ = conn.Close()
}
