package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/netio"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mock"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"mock"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// TestTLSEngineHandshakeAndEcho drives the engine against a real TLS
// server, shuttling ciphertext through the engine's memory buffers
// the way the TLS descriptor does.
func TestTLSEngineHandshakeAndEcho(t *testing.T) {
	cert := selfSignedCert(t)
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	// Real TLS server on one end of the pipe.
	serverDone := make(chan error, 1)
	go func() {
		srv := tls.Server(serverSide, &tls.Config{Certificates: []tls.Certificate{cert}})
		buf := make([]byte, 64)
		n, err := srv.Read(buf)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := srv.Write(append([]byte("echo:"), buf[:n]...)); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	factory := &StdTLSEngineFactory{ServerName: "mock", InsecureSkipVerify: true}
	engine := factory.NewEngine()

	outputReady := make(chan struct{}, 64)
	engine.SetOutputNotify(func() {
		select {
		case outputReady <- struct{}{}:
		default:
		}
	})

	// Shuttle: engine buffers <-> pipe.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-outputReady:
			case <-time.After(10 * time.Millisecond):
			}
			if data := engine.GetDataToSendTransport(); len(data) > 0 {
				if _, err := clientSide.Write(data); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := clientSide.Read(buf)
			if n > 0 {
				engine.SetDataFromTransport(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// Application write triggers the handshake.
	_, err := engine.Write([]byte("hello"))
	require.NoError(t, err)

	// Read until the echo arrives.
	deadline := time.Now().Add(10 * time.Second)
	var got []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, rerr := engine.Read(buf)
		if rerr == ErrWantRead {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, rerr)
		if n > 0 {
			got = append(got, buf[:n]...)
			if string(got) == "echo:hello" {
				break
			}
		}
	}
	assert.Equal(t, "echo:hello", string(got))
	assert.True(t, engine.IsReady(), "handshake must have completed")
	require.NoError(t, <-serverDone)
}

func TestMockSocketFactoryLifecycle(t *testing.T) {
	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	defer b.Close()

	status := &SocketStatus{}
	factory := NewMockSocketFactory(a, status)
	assert.True(t, factory.IsInitialized())
	assert.True(t, status.IsOwned())

	sock, err := factory.NewSocket()
	require.NoError(t, err)
	assert.False(t, status.IsOwned())

	factory.ReleaseSocket(sock)
	assert.True(t, status.IsReleased())
	assert.True(t, status.IsOwned())

	sock, err = factory.NewSocket()
	require.NoError(t, err)
	factory.CloseSocket(sock, true)
	assert.True(t, status.IsClosed())
	assert.True(t, status.IsErr())

	_, err = factory.NewSocket()
	assert.Error(t, err, "factory is exhausted after close")
}

func TestTCPSocketFactoryConnectAndReuse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 16)
				for {
					if _, rerr := c.Read(buf); rerr != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	factory := NewTCPSocketFactory("127.0.0.1", addr.Port)
	require.True(t, factory.IsInitialized())
	assert.Equal(t, "127.0.0.1", factory.HostName())
	assert.Equal(t, addr.Port, factory.Port())

	sock, err := factory.NewSocket()
	require.NoError(t, err)
	require.True(t, sock.Valid())
	_, err = sock.WriteWithTimeout([]byte("ping"), time.Second)
	require.NoError(t, err)

	// Released sockets come back on the next NewSocket.
	factory.ReleaseSocket(sock)
	again, err := factory.NewSocket()
	require.NoError(t, err)
	assert.Equal(t, sock.Get(), again.Get())
	factory.CloseSocket(again, false)
}

func TestParseProxyConnectResponse(t *testing.T) {
	code, complete := parseProxyConnectResponse([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	assert.True(t, complete)
	assert.Equal(t, 200, code)

	code, complete = parseProxyConnectResponse([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"))
	assert.True(t, complete)
	assert.Equal(t, 407, code)

	_, complete = parseProxyConnectResponse([]byte("HTTP/1.1 200 OK\r\n"))
	assert.False(t, complete, "incomplete headers")
}
