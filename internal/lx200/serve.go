package lx200

import (
	"context"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/starfix/internal/monitoring"
)

// Server accepts LX200 clients over TCP and, optionally, a serial port.
type Server struct {
	pointing Pointing
	slews    SlewSink
}

// NewServer creates an LX200 front-end.
func NewServer(pointing Pointing, slews SlewSink) *Server {
	return &Server{pointing: pointing, slews: slews}
}

// ListenAndServe accepts TCP clients on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	monitoring.Diagf("lx200: listening on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	monitoring.Diagf("lx200: client %s connected", conn.RemoteAddr())
	h := NewHandler(s.pointing, s.slews)
	var pending []byte
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			if reply := h.Feed(buf[:n], &pending); len(reply) > 0 {
				if _, err := conn.Write(reply); err != nil {
					return
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// ServeSerial speaks the protocol over a serial port (RS-232/USB mount
// cables) until ctx is done.
func (s *Server) ServeSerial(ctx context.Context, device string) error {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return err
	}
	defer port.Close()
	port.SetReadTimeout(time.Second)
	monitoring.Diagf("lx200: serving serial %s", device)

	h := NewHandler(s.pointing, s.slews)
	var pending []byte
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue // read timeout
		}
		if reply := h.Feed(buf[:n], &pending); len(reply) > 0 {
			if _, err := port.Write(reply); err != nil {
				return err
			}
		}
	}
	return nil
}
