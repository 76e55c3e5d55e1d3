package slave

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// TCPServer serves a Slave over Modbus TCP (MBAP framing).
type TCPServer struct {
	slave     *Slave
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// ListenTCP starts accepting Modbus TCP connections on address.
func ListenTCP(address string, s *Slave) (*TCPServer, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	srv := &TCPServer{slave: s, listener: l, quit: make(chan struct{})}
	srv.wg.Add(1)
	go srv.acceptLoop()
	return srv, nil
}

// Addr is the bound listen address.
func (srv *TCPServer) Addr() string { return srv.listener.Addr().String() }

func (srv *TCPServer) acceptLoop() {
	defer srv.wg.Done()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
			}
			continue
		}

		srv.wg.Add(1)
		go srv.handleConnection(conn)
	}
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	defer srv.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-srv.quit:
			conn.Close()
		case <-done:
		}
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		if unitID != srv.slave.ID && unitID != 0 && unitID != 0xFF {
			continue
		}

		response := srv.slave.HandlePDU(pdu)

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

// Close stops the server and waits for all goroutines to exit.
func (srv *TCPServer) Close() {
	srv.closeOnce.Do(func() {
		close(srv.quit)
		srv.listener.Close()
	})
	srv.wg.Wait()
}
