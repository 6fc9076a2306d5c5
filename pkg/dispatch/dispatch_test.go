package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/config"
	"github.com/remotecc/remotecc/pkg/execreq"
	"github.com/remotecc/remotecc/pkg/httprpc"
	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/subproc"
	"github.com/remotecc/remotecc/pkg/transport"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestIncludeScanGuardSkip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.h", "#ifndef A_H\n#define A_H\n#endif\n")
	writeFile(t, dir, "b.h", "#ifndef B_H\n#define B_H\n#include \"a.h\"\n#endif\n")
	writeFile(t, dir, "c.h", "#ifndef C_H\n#define C_H\n#include \"b.h\"\n#endif\n")
	source := writeFile(t, dir, "main.cc",
		"#include \"c.h\"\n#include \"b.h\"\n#include \"a.h\"\nint main() {}\n")

	scanner := NewIncludeScanner(dir, nil, nil, nil)
	inputs, err := scanner.Scan(source)
	require.NoError(t, err)

	// Every header is physically read once; re-inclusions are
	// skipped via the guards.
	assert.Equal(t, 1, scanner.ReadCount(filepath.Join(dir, "a.h")))
	assert.Equal(t, 1, scanner.ReadCount(filepath.Join(dir, "b.h")))
	assert.Equal(t, 1, scanner.ReadCount(filepath.Join(dir, "c.h")))
	assert.Equal(t, 1, scanner.SkipCount(filepath.Join(dir, "a.h")))
	assert.Equal(t, 1, scanner.SkipCount(filepath.Join(dir, "b.h")))
	assert.Equal(t, 0, scanner.SkipCount(filepath.Join(dir, "c.h")))

	var names []string
	for _, in := range inputs {
		names = append(names, filepath.Base(in.Filename))
		assert.NotEmpty(t, in.HashKey)
	}
	assert.ElementsMatch(t, []string{"a.h", "b.h", "c.h", "main.cc"}, names)
}

func TestIncludeScanSearchPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "include/dep.h", "#pragma once\n#define DEP 1\n")
	source := writeFile(t, dir, "src/main.cc", "#include <dep.h>\nint main() {}\n")

	scanner := NewIncludeScanner(dir, []string{filepath.Join(dir, "include")}, nil, nil)
	inputs, err := scanner.Scan(source)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, 1, scanner.ReadCount(filepath.Join(dir, "include/dep.h")))
}

func TestResultCacheRoundtrip(t *testing.T) {
	cache, err := OpenResultCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	resp := &execreq.CompileResponse{
		ExitStatus: 0,
		Outputs:    []execreq.Output{{Filename: "main.o", Content: []byte{0x7f, 'E', 'L', 'F'}}},
	}
	require.NoError(t, cache.Put("key-1", resp))

	got, err := cache.Get("key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, resp.Outputs[0].Content, got.Outputs[0].Content)

	miss, err := cache.Get("absent")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, cache.Delete("key-1"))
	gone, err := cache.Get("key-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCompilerWatcherHashInvalidation(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, dir, "fakecc", "#!/bin/sh\nexit 0\n")

	w, err := NewCompilerWatcher(true)
	require.NoError(t, err)
	defer w.Close()

	h1, err := w.HashOf(bin)
	require.NoError(t, err)
	h2, err := w.HashOf(bin)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash is cached")

	// Rewriting the binary must eventually invalidate the hash.
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0755))
	assert.Eventually(t, func() bool {
		h3, herr := w.HashOf(bin)
		return herr == nil && h3 != h1
	}, 5*time.Second, 20*time.Millisecond, "hash did not change after rewrite")
}

// compileTestEnv wires a dispatcher against an in-process HTTP server
// and subprocess controller.
type compileTestEnv struct {
	dispatcher *Dispatcher
	wm         *runtime.Manager
}

func newCompileEnv(t *testing.T, handle func(path string, body []byte) (int, []byte)) *compileTestEnv {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Dispatch.ExecPath = "/exec"
	cfg.Dispatch.FallbackLocal = true

	wm := runtime.NewManager()
	wm.Start(2)
	t.Cleanup(wm.Finish)

	var factory transport.SocketFactory
	if handle != nil {
		clientEnd, serverEnd, serr := netio.SocketPair()
		require.NoError(t, serr)
		go serveHTTP(t, serverEnd, handle)
		t.Cleanup(func() { serverEnd.Close() })
		factory = transport.NewMockSocketFactory(clientEnd, nil)
	} else {
		// An exhausted factory: every connect fails.
		a, b, serr := netio.SocketPair()
		require.NoError(t, serr)
		b.Close()
		mock := transport.NewMockSocketFactory(a, nil)
		_, _ = mock.NewSocket()
		factory = mock
	}

	client := httprpc.NewClient(wm, httprpc.Options{
		DestHostName:   "mock",
		DestPort:       80,
		MaxRetries:     -1,
		InitialBackoff: 10 * time.Millisecond,
		Timeout:        3 * time.Second,
		SocketFactory:  factory,
	})

	// In-process subprocess controller for the fallback leg.
	clientEnd, serverEnd, serr := netio.SocketPair()
	require.NoError(t, serr)
	server := subproc.NewServer(serverEnd, subproc.DefaultOptions())
	go server.Loop()
	spClient := subproc.NewClient(wm, clientEnd, nil, subproc.DefaultOptions())
	t.Cleanup(spClient.Shutdown)

	watcher, err := NewCompilerWatcher(false)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	cache, err := OpenResultCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	d := NewDispatcher(cfg, wm, client, nil, spClient, cache, watcher)
	return &compileTestEnv{dispatcher: d, wm: wm}
}

// serveHTTP answers content-length framed POSTs on a socketpair end.
func serveHTTP(t *testing.T, sock *netio.Socket, handle func(string, []byte) (int, []byte)) {
	buf := make([]byte, 256*1024)
	var data []byte
	for {
		path, body, consumed := parseTestRequest(data)
		if consumed > 0 {
			data = data[consumed:]
			code, resp := handle(path, body)
			reply := fmt.Sprintf("HTTP/1.1 %d X\r\nContent-Length: %d\r\n\r\n%s", code, len(resp), resp)
			if err := sock.WriteString(reply, 5*time.Second); err != nil {
				return
			}
			continue
		}
		n, err := sock.ReadWithTimeout(buf, 5*time.Second)
		if err != nil || n == 0 {
			return
		}
		data = append(data, buf[:n]...)
	}
}

func parseTestRequest(data []byte) (string, []byte, int) {
	idx := strings.Index(string(data), "\r\n\r\n")
	if idx < 0 {
		return "", nil, 0
	}
	lines := strings.Split(string(data[:idx]), "\r\n")
	var method, path string
	fmt.Sscanf(lines[0], "%s %s", &method, &path)
	contentLength := 0
	for _, line := range lines[1:] {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "content-length") {
			fmt.Sscanf(strings.TrimSpace(v), "%d", &contentLength)
		}
	}
	total := idx + 4 + contentLength
	if len(data) < total {
		return "", nil, 0
	}
	return path, append([]byte{}, data[idx+4:total]...), total
}

func TestCompileRemoteSuccess(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "main.cc", "int main() {}\n")
	compiler := writeFile(t, dir, "fakecc", "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.Chmod(compiler, 0755))

	env := newCompileEnv(t, func(path string, body []byte) (int, []byte) {
		var req execreq.CompileRequest
		if err := req.UnmarshalBinary(body); err != nil {
			return 400, nil
		}
		resp := &execreq.CompileResponse{
			ExitStatus: 0,
			Outputs:    []execreq.Output{{Filename: "main.o", Content: []byte("obj")}},
		}
		out, _ := resp.MarshalBinary()
		return 200, out
	})

	result, err := env.dispatcher.Compile(context.Background(), Invocation{
		Argv: []string{compiler, "-c", source},
		Cwd:  dir,
		Env:  []string{"PATH=/usr/bin"},
	})
	require.NoError(t, err)
	assert.Equal(t, "remote", result.Source)
	assert.Equal(t, int32(0), result.ExitStatus)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, []byte("obj"), result.Outputs[0].Content)
}

func TestCompileResultCacheHit(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "main.cc", "int main() {}\n")
	compiler := writeFile(t, dir, "fakecc", "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.Chmod(compiler, 0755))

	calls := 0
	env := newCompileEnv(t, func(path string, body []byte) (int, []byte) {
		calls++
		resp := &execreq.CompileResponse{ExitStatus: 0}
		out, _ := resp.MarshalBinary()
		return 200, out
	})

	inv := Invocation{Argv: []string{compiler, "-c", source}, Cwd: dir}
	first, err := env.dispatcher.Compile(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "remote", first.Source)

	second, err := env.dispatcher.Compile(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "cache", second.Source, "identical invocation must hit the result cache")
	assert.Equal(t, 1, calls, "no second network round trip")
}

func TestCompileFallbackLocal(t *testing.T) {
	dir := t.TempDir()
	compiler := writeFile(t, dir, "fakecc", "#!/bin/sh\nexit 7\n")
	require.NoError(t, os.Chmod(compiler, 0755))
	source := writeFile(t, dir, "main.cc", "int main() {}\n")

	// No reachable backend: every connect fails.
	env := newCompileEnv(t, nil)

	result, err := env.dispatcher.Compile(context.Background(), Invocation{
		Argv: []string{compiler, "-c", source},
		Cwd:  dir,
	})
	require.NoError(t, err)
	assert.Equal(t, "local", result.Source)
	assert.Equal(t, int32(7), result.ExitStatus)
}

func TestBuildRequestNormalizes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dep.h", "#pragma once\n")
	source := writeFile(t, dir, "main.cc", "#include \"dep.h\"\nint main() {}\n")
	compiler := writeFile(t, dir, "clang", "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.Chmod(compiler, 0755))

	env := newCompileEnv(t, nil)
	req, err := env.dispatcher.BuildRequest(Invocation{
		Argv: []string{compiler, "-O2", "-c", source},
		Cwd:  dir,
		Env:  []string{"PWD=" + dir, "LANG=C"},
	})
	require.NoError(t, err)

	assert.Empty(t, req.Cwd, "non-debug gcc builds drop cwd")
	assert.Len(t, req.Inputs, 2)
	for _, in := range req.Inputs {
		assert.NotEmpty(t, in.HashKey)
		assert.Nil(t, in.Content)
	}
	for _, e := range req.Env {
		assert.False(t, strings.HasPrefix(e, "PWD="))
	}
	assert.NotEmpty(t, req.Command.BinaryHash)

	key, err := req.CacheKey()
	require.NoError(t, err)
	assert.Len(t, key, 64)
}
