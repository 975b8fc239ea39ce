package httpvfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/rarbridge/internal/archive"
)

// PortUnavailable is returned when no free port exists in the configured
// range.
var PortUnavailable = errors.New("httpvfs: no free port in configured range")

// Config controls the HTTP range server.
type Config struct {
	PortRangeLow         int
	PortRangeHigh        int
	Bind                 string // "loopback" | "any"
	MaxConcurrentStreams int
	StreamChunkSize      int
	AdvertiseHost        string // host embedded in pointer URLs; empty defaults to 127.0.0.1 whatever Bind is

	// PortMappingHook is called once after the listener binds. Nil by default.
	PortMappingHook func(port int) (unmap func(), error error)
}

// Server is the in-process HTTP range server for Strategy B.
type Server struct {
	cfg      Config
	registry *Registry
	log      *slog.Logger

	app        *fiber.App
	port       int
	listener   net.Listener
	unmap      func()
	streamSema chan struct{}

	// openSession defaults to registry.openSession; tests override it to
	// stream from a fixture instead of a real archive.
	openSession func(archivePath, password string) (archive.EntryOpener, error)
}

// NewServer creates a Server bound to registry. Listen must be called to
// actually bind a port.
func NewServer(cfg Config, registry *Registry) *Server {
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 10
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = 8192
	}

	s := &Server{
		cfg:         cfg,
		registry:    registry,
		log:         slog.Default().With("component", "virtual-http-server"),
		streamSema:  make(chan struct{}, cfg.MaxConcurrentStreams),
		openSession: registry.openSession,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			s.log.Error("httpvfs handler error", "path", c.Path(), "method", c.Method(), "error", err)
			return c.SendStatus(fiber.StatusInternalServerError)
		},
	})
	app.Use(func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead:
			return c.Next()
		default:
			c.Set("Allow", "GET, HEAD")
			return c.SendStatus(fiber.StatusMethodNotAllowed)
		}
	})
	app.Head("/:token/:name", s.handleHead)
	app.Get("/:token/:name", s.handleGet)
	s.app = app

	return s
}

// Listen chooses a free port in [PortRangeLow, PortRangeHigh], binds
// it, and starts serving in the background.
func (s *Server) Listen(ctx context.Context) error {
	host := "127.0.0.1"
	if s.cfg.Bind == "any" {
		host = "0.0.0.0"
	}

	var lastErr error
	for port := s.cfg.PortRangeLow; port <= s.cfg.PortRangeHigh; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}

		s.listener = ln
		s.port = port
		s.log.Info("virtual-http server listening", "port", port, "bind", s.cfg.Bind)

		if s.cfg.PortMappingHook != nil {
			unmap, hookErr := s.cfg.PortMappingHook(port)
			if hookErr != nil {
				s.log.Warn("port mapping hook failed", "error", hookErr)
			} else {
				s.unmap = unmap
			}
		}

		go func() {
			if err := s.app.Listener(ln); err != nil {
				s.log.Error("virtual-http server stopped", "error", err)
			}
		}()
		return nil
	}

	return fmt.Errorf("%w: tried %d-%d: %v", PortUnavailable, s.cfg.PortRangeLow, s.cfg.PortRangeHigh, lastErr)
}

// Shutdown stops the server, releasing the port mapping hook if one ran.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unmap != nil {
		s.unmap()
	}
	if s.app == nil {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}

// Port returns the chosen listening port.
func (s *Server) Port() int { return s.port }

// PointerURL builds the pointer URL for a registration.
func (s *Server) PointerURL(reg Registration, displayName string) string {
	host := s.cfg.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/%s/%s", host, s.port, reg.Token, url.PathEscape(displayName))
}

func (s *Server) handleHead(c *fiber.Ctx) error {
	reg, ok := s.registry.Lookup(c.Params("token"))
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}

	setCommonHeaders(c, reg.Size, reg.EntryPath)
	// No body is set: SendStatus would write the status text as a body, and
	// its length would then replace the entry size in Content-Length.
	c.Status(fiber.StatusOK)
	return nil
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	reg, ok := s.registry.Lookup(c.Params("token"))
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}

	rangeHeader := c.Get("Range")
	start, end, hasRange, unsatisfiable := parseRange(rangeHeader, reg.Size)
	if unsatisfiable {
		// Unsatisfiable ranges and rejected multi-range requests both answer
		// 416 with Content-Range: bytes */<size>.
		c.Set("Content-Range", fmt.Sprintf("bytes */%d", reg.Size))
		return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
	}

	select {
	case s.streamSema <- struct{}{}:
	case <-c.Context().Done():
		return nil
	}
	defer func() { <-s.streamSema }()

	session, err := s.openSession(reg.ArchivePath, reg.Password)
	if err != nil {
		s.log.Error("failed to open archive for streaming", "token", reg.Token, "error", err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	// Each request gets its own reader: the decode cursor must never be
	// shared across concurrent handlers of the same token.
	reader, err := session.OpenEntry(reg.EntryPath)
	if err != nil {
		s.log.Error("failed to open entry for streaming", "token", reg.Token, "error", err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	setCommonHeaders(c, reg.Size, reg.EntryPath)

	if hasRange {
		served := end - start + 1
		c.Set(fiber.HeaderContentLength, strconv.FormatInt(served, 10))
		c.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, reg.Size))
		c.Status(fiber.StatusPartialContent)
		return s.stream(c, reader, start, served)
	}

	c.Status(fiber.StatusOK)
	return s.stream(c, reader, 0, reg.Size)
}

// stream writes length bytes starting at offset from reader to the
// client, throttled to client drain via fasthttp's body-stream writer so
// a slow client never causes unbounded buffering.
// A read or write error mid-stream simply closes the connection; it never
// sends a trailing error body.
func (s *Server) stream(c *fiber.Ctx, reader archive.EntryReader, offset, length int64) error {
	chunkSize := s.cfg.StreamChunkSize

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer reader.Close()

		buf := make([]byte, chunkSize)
		remaining := length
		pos := offset

		for remaining > 0 {
			toRead := int64(len(buf))
			if toRead > remaining {
				toRead = remaining
			}

			n, err := reader.ReadAt(buf[:toRead], pos)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if ferr := w.Flush(); ferr != nil {
					return
				}
				pos += int64(n)
				remaining -= int64(n)
			}
			if err != nil {
				return
			}
		}
	})
	// SetBodyStreamWriter switches the response to chunked encoding; restore
	// the exact length so Content-Length reports the bytes being served.
	c.Context().Response.Header.SetContentLength(int(length))

	return nil
}

func setCommonHeaders(c *fiber.Ctx, size int64, entryPath string) {
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(size, 10))
	c.Set("Accept-Ranges", "bytes")
	c.Set("Cache-Control", "no-store")

	ext := filepath.Ext(entryPath)
	ctype := mime.TypeByExtension(ext)
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, ctype)
}

// parseRange parses a single-range "bytes=a-b" or "bytes=a-" header against
// size. unsatisfiable is set for a comma-separated multi-range request
// or for a range whose start is at or past size.
func parseRange(header string, size int64) (start, end int64, has bool, unsatisfiable bool) {
	if header == "" {
		return 0, 0, false, false
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false, true
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, false
	}

	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" {
		// "bytes=-N" (last N bytes) is treated as unsatisfiable rather than
		// guessed at; media server clients never send it.
		return 0, 0, false, true
	}

	s, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false, false
	}
	if s < 0 || s >= size {
		return 0, 0, false, true
	}

	e := size - 1
	if endStr != "" {
		parsed, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		if parsed < e {
			e = parsed
		}
	}

	return s, e, true, false
}
