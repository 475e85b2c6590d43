// Package dialertest provides in-process SOCKS4 and SOCKS5 servers for tests.
package dialertest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
)

// Server is a minimal SOCKS server listening on 127.0.0.1.
type Server struct {
	Addr string
	// Reject makes the server refuse every CONNECT request.
	Reject bool

	ln      net.Listener
	version byte
	mu      sync.Mutex
	targets []string
	wg      sync.WaitGroup
}

// NewSOCKS5 starts a SOCKS5 server without authentication.
func NewSOCKS5() *Server {
	return start(5)
}

// NewSOCKS4 starts a SOCKS4/4a server.
func NewSOCKS4() *Server {
	return start(4)
}

func start(version byte) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("dialertest: failed to listen: " + err.Error())
	}
	s := &Server{Addr: ln.Addr().String(), ln: ln, version: version}
	s.wg.Add(1)
	go s.serve()
	return s
}

// Targets returns every destination a client asked to connect to.
func (s *Server) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Close stops the listener and waits for the accept loop to exit.
func (s *Server) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var target string
	var err error
	if s.version == 5 {
		target, err = s.handshake5(r, conn)
	} else {
		target, err = s.handshake4(r)
	}
	if err != nil {
		return
	}

	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	var upstream net.Conn
	if !s.Reject {
		upstream, err = net.Dial("tcp", target)
	}
	ok := !s.Reject && err == nil
	if s.version == 5 {
		status := byte(0x00)
		if !ok {
			status = 0x05
		}
		conn.Write([]byte{5, status, 0, 1, 0, 0, 0, 0, 0, 0})
	} else {
		status := byte(0x5a)
		if !ok {
			status = 0x5b
		}
		conn.Write([]byte{0, status, 0, 0, 0, 0, 0, 0})
	}
	if !ok {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, r)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

func (s *Server) handshake5(r *bufio.Reader, w io.Writer) (string, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", err
	}
	if head[0] != 5 {
		return "", errors.New("not socks5")
	}
	if _, err := io.ReadFull(r, make([]byte, head[1])); err != nil {
		return "", err
	}
	if _, err := w.Write([]byte{5, 0}); err != nil {
		return "", err
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(r, req); err != nil {
		return "", err
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	case 3:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return "", err
		}
		host = string(name)
	case 4:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	default:
		return "", errors.New("bad address type")
	}
	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port)))), nil
}

func (s *Server) handshake4(r *bufio.Reader) (string, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", err
	}
	if head[0] != 4 || head[1] != 1 {
		return "", errors.New("not a socks4 connect")
	}
	port := binary.BigEndian.Uint16(head[2:4])
	ip := net.IP(head[4:8])
	if _, err := r.ReadString(0); err != nil {
		return "", err
	}
	host := ip.String()
	// SOCKS4a: 0.0.0.x means a domain name follows the user id.
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		name, err := r.ReadString(0)
		if err != nil {
			return "", err
		}
		host = name[:len(name)-1]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}
