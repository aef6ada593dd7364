// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger provides structured logging carried in a context, a
// printf-like logging type, and a ring buffer of recent log lines that can be
// streamed over HTTP.
package logger

import (
	"container/ring"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for concurrent
// use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Logger is a [slog.Logger] with an adjustable level.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New returns a Logger writing text records to w at info level.
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		Level:  level,
	}
}

type ctxKey struct{}

// Put returns a copy of ctx carrying l.
func Put(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Get returns the Logger carried by ctx, or a Logger writing to standard
// error if there is none.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	defaultOnce.Do(func() { defaultLog = New(os.Stderr) })
	return defaultLog
}

// Streamer is an io.Writer that contains all logged lines and allows to
// stream them.
type Streamer interface {
	io.Writer
	http.Handler

	// Lines returns all logged lines.
	Lines() []string

	// Stream generates a new channel which will stream any newly logged lines.
	// Deregister the stream by calling the close function.
	Stream() (<-chan string, func())
}

// NewStreamer returns a new Streamer backed by a ring buffer of the given size.
func NewStreamer(size int) Streamer {
	return &lineRingBuffer{
		size:    size,
		r:       ring.New(size),
		streams: make(map[chan string]struct{}),
	}
}

type lineRingBuffer struct {
	sync.RWMutex
	size      int
	remainder string
	r         *ring.Ring
	streams   map[chan string]struct{}
}

func (lrb *lineRingBuffer) Write(b []byte) (int, error) {
	lrb.Lock()
	defer lrb.Unlock()
	text := lrb.remainder + string(b)
	for {
		idx := strings.Index(text, "\n")
		if idx == -1 {
			break
		}

		line := text[:idx+1]
		lrb.r.Value = line
		for stream := range lrb.streams {
			select {
			case stream <- line:
			default:
				// Slow readers miss lines.
			}
		}
		lrb.r = lrb.r.Next()
		text = text[idx+1:]
	}
	lrb.remainder = text
	return len(b), nil
}

func (lrb *lineRingBuffer) Lines() []string {
	lrb.RLock()
	defer lrb.RUnlock()
	lines := make([]string, 0, lrb.size)
	lrb.r.Do(func(x any) {
		if x != nil {
			lines = append(lines, x.(string))
		}
	})
	return lines
}

func (lrb *lineRingBuffer) Stream() (<-chan string, func()) {
	lrb.Lock()
	defer lrb.Unlock()

	stream := make(chan string, lrb.size+1)
	lrb.streams[stream] = struct{}{}

	var once sync.Once
	return stream, func() {
		once.Do(func() {
			lrb.Lock()
			defer lrb.Unlock()
			delete(lrb.streams, stream)
			close(stream)
		})
	}
}

// ServeHTTP writes buffered lines and then streams new ones until the client
// goes away. Clients that accept text/event-stream get server-sent events.
func (lrb *lineRingBuffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")

	evtStream := strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
	if evtStream {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	stream, closeFunc := lrb.Stream()
	defer closeFunc()

	write := func(line string) {
		if evtStream {
			line = fmt.Sprintf("event: logline\ndata: %s\n", strings.TrimSuffix(line, "\n"))
		}
		fmt.Fprint(w, line)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	if !evtStream {
		for _, line := range lrb.Lines() {
			write(line)
		}
	}

	for {
		select {
		case line := <-stream:
			write(line)
		case <-r.Context().Done():
			return
		}
	}
}

var _ Streamer = (*lineRingBuffer)(nil)
