package console

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/srg/esp32ble/internal/esp32"
	"github.com/srg/esp32ble/internal/groutine"
)

type inputLine struct {
	text string
	err  error
	eof  bool
}

// ReadSlider reads slider targets from r, one integer per line, clamps them
// to the firmware range and passes them to set. Lines that are not integers
// go to reject when it is non-nil. "q" or "quit" returns nil, end of input
// returns io.EOF and cancellation returns ctx.Err().
//
// The reader goroutine stays blocked in Read until r yields a line or closes.
func ReadSlider(ctx context.Context, r io.Reader, set func(int32), reject func(string)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan inputLine)

	groutine.Go(ctx, "console-input", func(ctx context.Context) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- inputLine{text: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case lines <- inputLine{err: scanner.Err(), eof: true}:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-lines:
			if line.eof {
				if line.err != nil {
					return line.err
				}
				return io.EOF
			}
			text := strings.TrimSpace(line.text)
			switch strings.ToLower(text) {
			case "":
				continue
			case "q", "quit":
				return nil
			}
			v, err := strconv.Atoi(text)
			if err != nil {
				if reject != nil {
					reject(text)
				}
				continue
			}
			set(esp32.ClampSlider(v))
		}
	}
}
