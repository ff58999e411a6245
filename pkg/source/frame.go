package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameBytes bounds a single newline-delimited frame
const DefaultMaxFrameBytes = 512

// frameReader splits a byte stream into newline-delimited frames. Frames
// longer than max are discarded up to the next newline.
type frameReader struct {
	r   *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	// room for the frame plus "\r\n"
	return &frameReader{r: bufio.NewReaderSize(r, max+2), max: max}
}

// Next returns the next frame without its line terminator. ErrFrameTooLong
// is returned once per oversized frame and reading may continue.
func (f *frameReader) Next() ([]byte, error) {
	line, err := f.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = f.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLong
	}
	if err != nil {
		return nil, err
	}

	line = bytes.TrimRight(line, "\r\n")
	if len(line) > f.max {
		return nil, ErrFrameTooLong
	}
	return append([]byte(nil), line...), nil
}
