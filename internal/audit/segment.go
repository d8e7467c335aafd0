package audit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	segmentExt = ".log"
	archiveExt = ".zst"
	dayLayout  = "2006-01-02"
)

// segment is the open, append-only file for one calendar day.
type segment struct {
	day  string
	path string
	file *os.File
	w    *bufio.Writer
	size int64
}

func segmentName(prefix, day string) string {
	return prefix + "-" + day + segmentExt
}

func dayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func openSegment(dir, prefix, day string) (*segment, error) {
	path := filepath.Join(dir, segmentName(prefix, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to lock segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		unlockFile(file)
		file.Close()
		return nil, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	return &segment{
		day:  day,
		path: path,
		file: file,
		w:    bufio.NewWriter(file),
		size: info.Size(),
	}, nil
}

// append writes one line. On failure the buffered bytes are discarded and any
// partial line is truncated away, so the next append starts on a clean line.
func (s *segment) append(line []byte) error {
	err := s.writeLine(line)
	if err == nil {
		s.size += int64(len(line)) + 1
		return nil
	}

	s.w.Reset(s.file)
	if terr := s.file.Truncate(s.size); terr != nil {
		return fmt.Errorf("%w (truncate: %v)", err, terr)
	}
	return err
}

func (s *segment) writeLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *segment) close() error {
	flushErr := s.w.Flush()
	unlockFile(s.file)
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// listSegments returns segment paths in dir ordered by day, archives included.
func listSegments(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, segmentExt) || strings.HasSuffix(name, segmentExt+archiveExt) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	// day names sort lexically
	sort.Strings(paths)
	return paths, nil
}

// openReader opens a segment for reading, decompressing archives.
func openReader(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, archiveExt) {
		return file, nil
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	return &zstdReadCloser{dec: dec, file: file}, nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}

// archiveSegment compresses path to path.zst and removes the original.
func archiveSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := path + archiveExt
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o440)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", err
	}

	return dstPath, os.Remove(path)
}

// lastEntry returns the final entry of a segment, or false if it has none.
func lastEntry(path string) (Entry, bool, error) {
	r, err := openReader(path)
	if err != nil {
		return Entry{}, false, err
	}
	defer r.Close()

	var last []byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		last = append(last[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return Entry{}, false, err
	}
	if last == nil {
		return Entry{}, false, nil
	}

	e, err := parseEntry(last)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to parse last entry of %s: %w", path, err)
	}
	return e, true, nil
}
