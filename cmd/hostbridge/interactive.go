package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// lineReader feeds guest stdin one edited line at a time. Ctrl+D or
// Ctrl+C ends the input.
type lineReader struct {
	rl  *readline.Instance
	buf []byte
}

func newLineReader(historyFile string) (*lineReader, error) {
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".hostbridge_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	return &lineReader{rl: rl}, nil
}

func (r *lineReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		line, err := r.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		r.buf = append([]byte(line), '\n')
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *lineReader) Close() error {
	return r.rl.Close()
}
