// Package tftp serves a PXE boot folder to network boot clients.
// Only read requests are supported; PXE clients never write.
package tftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/pin/tftp/v3"

	"github.com/gokrazy/bootimage/humanize"
	"github.com/gokrazy/bootimage/progress"
)

type Server struct {
	Logger        logr.Logger
	RootDirectory string
}

// ListenAndServe sets up a UDP listener on the given address and
// serves TFTP read requests until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := tftp.NewServer(s.handleRead, s.handleWrite)

	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", a)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.Logger.Info("shutting down tftp server")
		srv.Shutdown()
	}()

	progress.Reset()
	reporter := &progress.Reporter{}
	reporter.SetStatus("serving " + s.RootDirectory)
	go reporter.Report(ctx)

	s.Logger.Info("serving tftp", "addr", conn.LocalAddr().String(), "root", s.RootDirectory)
	return srv.Serve(conn)
}

// handleRead satisfies the tftp.Server readHandler parameter type.
func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	clean := filepath.Clean(filename)
	if filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		err := fmt.Errorf("request for %q escapes the tftp root", filename)
		s.Logger.Error(err, "rejecting read request")
		return err
	}

	path := filepath.Join(s.RootDirectory, clean)
	f, err := os.Open(path)
	if err != nil {
		s.Logger.Error(err, "read request failed", "filename", filename)
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		ot.SetSize(st.Size())
	}

	n, err := rf.ReadFrom(io.TeeReader(f, progress.Writer{}))
	if err != nil {
		s.Logger.Error(err, "transfer failed", "filename", filename)
		return err
	}
	s.Logger.Info("file served",
		"filename", filename,
		"size", humanize.Bytes(uint64(n)))
	return nil
}

// handleWrite rejects all TFTP write requests.
func (s *Server) handleWrite(filename string, wt io.WriterTo) error {
	err := fmt.Errorf("write access denied: %w", os.ErrPermission)
	s.Logger.Error(err, "rejecting write request", "filename", filename)
	return err
}
