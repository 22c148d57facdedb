// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// tcpTransport frames records as newline-delimited JSON.
type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	err  error // Returned by the next ReadRecord
}

func newTCPTransport(conn net.Conn, maxRecordSize int) *tcpTransport {
	return &tcpTransport{
		conn: conn,
		// One extra byte for the newline.
		r: bufio.NewReaderSize(conn, maxRecordSize+1),
	}
}

// ReadRecord returns the next line with surrounding whitespace removed.
// A line longer than the reader's buffer is discarded, and errRecordTooLarge returned.
// A final record without a trailing newline is still returned; the next read reports the error.
func (t *tcpTransport) ReadRecord() ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	line, err := t.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		for err == bufio.ErrBufferFull {
			_, err = t.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, errRecordTooLarge
	}
	record := bytes.TrimSpace(line)
	if err != nil {
		if len(record) == 0 {
			return nil, err
		}
		t.err = err
	}
	return bytes.Clone(record), nil
}

func (t *tcpTransport) WriteRecord(record []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "Set write deadline")
	}
	line := make([]byte, len(record)+1)
	copy(line, record)
	line[len(record)] = '\n'
	_, err := t.conn.Write(line)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) Kind() string {
	return "tcp"
}

// ListenAndServe listens for TCP connections on addr, and serves them until ctx is done.
// Serve must be running for clients to be registered.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}

	srv.log.WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
	}).Info("Listening for incoming connections")
	return srv.ServeListener(ctx, listener)
}

// ServeListener accepts connections from listener until ctx is done, then closes it.
func (srv *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				srv.log.WithFields(logrus.Fields{
					"error": err,
				}).Error("Error accepting connection")
				continue
			}
			return errors.Wrap(err, "Accept")
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok && srv.config.TimeBetweenPings > 0 {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(srv.config.TimeBetweenPings)
		}

		go func() {
			remoteAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			remoteHost := getHostFromAddrIfPossible(remoteAddr)
			srv.serveClient(newTCPTransport(conn, srv.config.MaxRecordSize), remoteHost)
		}()
	}
}
