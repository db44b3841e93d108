//go:build linux

// Command kermitcx drives a kermit.Session over a real serial line. It is a
// thin reference wiring of the outer I/O loop spec.md §1 deliberately keeps
// out of the core: opening the TTY, feeding bytes in, and flushing bytes
// out. Grounded on the teacher's cmd-less direct zmodem.Session usage,
// generalized to a real device via daedaluz/goserial (port_linux.go's
// Open/Read/Write).
package main

import (
	"bytes"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	serial "github.com/daedaluz/goserial"

	kermit "github.com/kermit-go/kermit"
	"github.com/kermit-go/kermit/statsprom"
)

func main() {
	device := flag.String("device", "/dev/ttyUSB0", "serial device to drive the transfer over")
	send := flag.Bool("send", false, "send files instead of receiving")
	downloadPath := flag.String("to", ".", "destination directory for received files")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts := serial.NewOptions().SetReadTimeout(200 * time.Millisecond)
	port, err := serial.Open(*device, opts)
	if err != nil {
		logger.Error("open serial device", "device", *device, "err", err)
		os.Exit(1)
	}
	defer port.Close()
	if err := port.MakeRaw(); err != nil {
		logger.Error("set raw mode", "err", err)
		os.Exit(1)
	}

	stats := statsprom.NewPromStats()
	cfg := &kermit.Config{
		LongPackets: true,
		Windowing:   true,
		Attributes:  true,
		Window:      8,
		Logger:      logger,
		Stats:       stats,
	}

	files := &osFileHandler{}
	var offers []kermit.FileOffer
	if *send {
		for _, name := range flag.Args() {
			info, err := os.Stat(name)
			if err != nil {
				logger.Error("stat file", "name", name, "err", err)
				os.Exit(1)
			}
			offers = append(offers, kermit.FileOffer{
				Name:    filepath.Base(name),
				ModTime: info.ModTime(),
				Size:    info.Size(),
				Mode:    uint32(info.Mode().Perm()),
			})
		}
		files.paths = flag.Args()
	}

	sess := kermit.NewSession(cfg, files, *send, offers, *downloadPath)
	if err := sess.Start(); err != nil {
		logger.Error("start session", "err", err)
		os.Exit(1)
	}

	inBuf := make([]byte, 4096)
	var out bytes.Buffer
	for {
		out.Reset()
		n, rerr := port.ReadTimeout(inBuf, 200*time.Millisecond)
		var in []byte
		if n > 0 {
			in = inBuf[:n]
		}
		out.Grow(4096)
		written := sess.Pump(in, &out)
		if written > 0 {
			if _, werr := port.Write(out.Bytes()[:written]); werr != nil {
				logger.Error("write serial device", "err", werr)
				return
			}
		}
		if rerr != nil && rerr != io.EOF && n == 0 {
			// Timeout with nothing to read: fall through and let Pump's
			// own coarse timer decide whether to retransmit or abort.
		}
	}
}

// osFileHandler is the on-disk kermit.FileHandler grounded on the teacher's
// filesystem access pattern, generalized from ZMODEM's single-file handle
// to Kermit's sender-list / RESEND-seek shape.
type osFileHandler struct {
	paths []string
}

func (h *osFileHandler) OpenSend(index int) (kermit.FileOffer, io.ReadSeekCloser, error) {
	if index >= len(h.paths) {
		return kermit.FileOffer{}, nil, io.EOF
	}
	path := h.paths[index]
	info, err := os.Stat(path)
	if err != nil {
		return kermit.FileOffer{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return kermit.FileOffer{}, nil, err
	}
	return kermit.FileOffer{
		Name:    filepath.Base(path),
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
	}, f, nil
}

func (h *osFileHandler) OpenReceive(name, downloadPath string, policy kermit.AccessPolicy, resend bool, offeredSize int64) (io.ReadWriteCloser, string, int64, error) {
	dest := filepath.Join(downloadPath, filepath.Base(name))
	if resend {
		if info, err := os.Stat(dest); err == nil {
			f, err := os.OpenFile(dest, os.O_RDWR, 0o644)
			if err != nil {
				return nil, "", 0, err
			}
			size := info.Size()
			if offeredSize > 0 && size > offeredSize {
				if err := f.Truncate(offeredSize); err != nil {
					return nil, "", 0, err
				}
				size = offeredSize
			}
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				return nil, "", 0, err
			}
			return f, dest, size, nil
		}
	}

	final := dest
	if policy != kermit.AccessSupersede {
		for n := 0; ; n++ {
			if _, err := os.Stat(final); os.IsNotExist(err) {
				break
			}
			final = dest + "." + pad4(n)
		}
	}
	f, err := os.OpenFile(final, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", 0, err
	}
	return f, final, 0, nil
}

func (h *osFileHandler) Finalize(handle io.ReadWriteCloser, path string, modTime time.Time, mode uint32) error {
	if err := handle.Close(); err != nil {
		return err
	}
	if mode != 0 {
		os.Chmod(path, os.FileMode(mode&0o777))
	}
	if !modTime.IsZero() {
		os.Chtimes(path, modTime, modTime)
	}
	return nil
}

func (h *osFileHandler) Discard(handle io.ReadWriteCloser, path string, remove bool) error {
	err := handle.Close()
	if remove {
		os.Remove(path)
	}
	return err
}

func pad4(n int) string {
	digits := [4]byte{}
	for i := 3; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}
