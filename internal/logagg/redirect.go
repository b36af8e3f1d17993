package logagg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/osvaldoandrade/batchsup/internal/broker"
)

// Redirect swaps os.Stdout and os.Stderr for pipes whose lines are emitted
// into ch under source, stdout at INFO and stderr at WARN. The returned
// restore puts the original files back and flushes any partial line. Only
// writers that look up os.Stdout after the swap are captured.
func Redirect(ch broker.LogChannel, source string) (restore func() error, err error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("redirect stdout: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("redirect stderr: %w", err)
	}

	outLines := NewLineWriter(ch, source, "INFO")
	errLines := NewLineWriter(ch, source, "WARN")
	var wg sync.WaitGroup
	pump := func(r io.Reader, w *LineWriter) {
		defer wg.Done()
		_, _ = io.Copy(w, r)
	}
	wg.Add(2)
	go pump(outR, outLines)
	go pump(errR, errLines)

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW

	var once sync.Once
	return func() error {
		var errs []error
		once.Do(func() {
			os.Stdout, os.Stderr = stdout, stderr
			errs = append(errs, outW.Close(), errW.Close())
			wg.Wait()
			errs = append(errs, outLines.Flush(), errLines.Flush(), outR.Close(), errR.Close())
		})
		return errors.Join(errs...)
	}, nil
}
