package execreq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest(cwd string, args ...string) *CompileRequest {
	return &CompileRequest{
		Command: CommandSpec{
			Name:       "clang",
			Version:    "15.0.0",
			Target:     "x86_64-unknown-linux-gnu",
			BinaryHash: "abc123",
		},
		Args: args,
		Cwd:  cwd,
		Env:  []string{"PATH=/usr/bin", "PWD=" + cwd, "LANG=C"},
	}
}

func marshal(t *testing.T, req *CompileRequest) []byte {
	t.Helper()
	data, err := req.MarshalBinary()
	require.NoError(t, err)
	return data
}

// Two requests that differ only in cwd, with debug-prefix-maps
// rewriting both prefixes to the same output, must normalize to
// identical byte strings.
func TestNormalizationDeterminismAcrossUsers(t *testing.T) {
	build := func(home string) *CompileRequest {
		req := baseRequest(home+"/src",
			"clang", "-g", "-fdebug-prefix-map="+home+"=/base_dir", "-c", "main.cc")
		req.Inputs = []Input{
			{Filename: home + "/src/main.cc", HashKey: "hash-main"},
			{Filename: home + "/src/util.h", HashKey: "hash-util"},
		}
		return req
	}

	alice := build("/home/alice")
	bob := build("/home/bob")

	n := NewGCCNormalizer()
	n.NormalizeForCacheKey(1, alice)
	n.NormalizeForCacheKey(2, bob)

	assert.Equal(t, marshal(t, alice), marshal(t, bob),
		"normalized forms must be byte-identical")
	assert.Equal(t, "/base_dir/src", alice.Cwd)

	keyA, err := alice.CacheKey()
	require.NoError(t, err)
	keyB, err := bob.CacheKey()
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
}

// Normalizing an already-normalized request is the identity.
func TestNormalizationIdempotent(t *testing.T) {
	cases := []*CompileRequest{
		func() *CompileRequest {
			req := baseRequest("/home/alice/src",
				"clang", "-g", "-fdebug-prefix-map=/home/alice=/b", "-c", "main.cc")
			req.Inputs = []Input{{Filename: "/home/alice/src/main.cc", HashKey: "h"}}
			return req
		}(),
		func() *CompileRequest {
			req := baseRequest("/home/bob/work",
				"clang", "-O2", "-I/home/bob/work/include", "-c", "main.cc")
			req.Inputs = []Input{{Filename: "/home/bob/work/main.cc", HashKey: "h"}}
			return req
		}(),
		func() *CompileRequest {
			req := baseRequest("/w", "clang", "-g", "-c", "main.cc")
			req.Inputs = []Input{{Filename: "/w/main.cc", HashKey: "h"}}
			return req
		}(),
	}
	n := NewGCCNormalizer()
	for i, req := range cases {
		n.NormalizeForCacheKey(i, req)
		once := marshal(t, req)
		n.NormalizeForCacheKey(i, req)
		twice := marshal(t, req)
		assert.Equal(t, once, twice, "case %d not idempotent", i)
	}
}

func TestNonDebugDropsCwdAndRelativizes(t *testing.T) {
	req := baseRequest("/home/u/proj",
		"clang", "-O2", "-I/home/u/proj/include", "-c", "main.cc")
	req.Command.SystemIncludePaths = []string{"/home/u/proj/sysroot/include"}
	req.Inputs = []Input{{Filename: "/home/u/proj/main.cc", HashKey: "h", Content: []byte("src")}}

	NewGCCNormalizer().NormalizeForCacheKey(1, req)

	assert.Empty(t, req.Cwd, "non-debug builds drop cwd")
	assert.Contains(t, req.Args, "-Iinclude")
	assert.Equal(t, []string{"sysroot/include"}, req.Command.SystemIncludePaths)
	assert.Equal(t, "main.cc", req.Inputs[0].Filename)
	assert.Nil(t, req.Inputs[0].Content, "embedded content never reaches the key")
	for _, e := range req.Env {
		assert.NotContains(t, e, "PWD=")
	}
}

func TestDebugWithoutMapKeepsCwd(t *testing.T) {
	req := baseRequest("/home/u/proj", "clang", "-g", "-c", "main.cc")
	req.Inputs = []Input{{Filename: "/home/u/proj/main.cc", HashKey: "h"}}
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/home/u/proj", req.Cwd, "debug info depends on cwd")
	assert.Equal(t, "/home/u/proj/main.cc", req.Inputs[0].Filename)
}

func TestAmbiguousDebugPrefixMapInhibitsRewrite(t *testing.T) {
	req := baseRequest("/home/alice/src",
		"clang", "-g",
		"-fdebug-prefix-map=/home/alice=/x",
		"-fdebug-prefix-map=/home/alice/src=/y",
		"-c", "main.cc")
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/home/alice/src", req.Cwd,
		"ambiguous map must not rewrite; cwd stays")
}

func TestDepsFlagsKeepInputFilenames(t *testing.T) {
	req := baseRequest("/w", "clang", "-MMD", "-c", "main.cc")
	req.Inputs = []Input{{Filename: "/w/main.cc", HashKey: "h"}}
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/w/main.cc", req.Inputs[0].Filename,
		"dependency outputs embed pathnames")
}

func TestInputOrderingByDepthThenName(t *testing.T) {
	req := baseRequest("/w", "clang", "-c", "x.cc")
	req.Inputs = []Input{
		{Filename: "/w/deep/nested/z.h", HashKey: "1"},
		{Filename: "/w/b.h", HashKey: "2"},
		{Filename: "/w/a.h", HashKey: "3"},
		{Filename: "/w/deep/m.h", HashKey: "4"},
	}
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	var names []string
	for _, in := range req.Inputs {
		names = append(names, in.Filename)
	}
	assert.Equal(t, []string{"a.h", "b.h", "deep/m.h", "deep/nested/z.h"}, names)
}

func TestSubprogramPathsBlanked(t *testing.T) {
	req := baseRequest("/w", "clang", "-c", "x.cc")
	req.Subprograms = []Subprogram{
		{Path: "/usr/lib/liblto_plugin.so", BinaryHash: "hash-b"},
		{Path: "/usr/bin/objcopy", BinaryHash: "hash-a"},
	}
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	for _, sp := range req.Subprograms {
		assert.Empty(t, sp.Path)
	}
	assert.Equal(t, "hash-a", req.Subprograms[0].BinaryHash, "sorted by hash")
}

func TestEnvStripping(t *testing.T) {
	req := baseRequest("/w", "clang", "-c", "x.cc")
	req.Env = append(req.Env, "DEVELOPER_DIR=/Applications/Xcode.app")
	req.RequesterInfo = "user@workstation"
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	for _, e := range req.Env {
		assert.NotContains(t, e, "DEVELOPER_DIR=")
		assert.NotContains(t, e, "PWD=")
	}
	assert.Empty(t, req.RequesterInfo)
	assert.Contains(t, req.Env, "LANG=C", "non-ephemeral env survives")
}

func TestVCShowIncludesKeepsPaths(t *testing.T) {
	req := baseRequest("/w", "clang-cl", "/showIncludes", "-c", "x.cc")
	req.Inputs = []Input{{Filename: "/w/x.cc", HashKey: "h"}}
	NewVCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/w", req.Cwd)
	assert.Equal(t, "/w/x.cc", req.Inputs[0].Filename)
}

func TestVCDebugCompilationDirOverride(t *testing.T) {
	req := baseRequest("/w", "clang-cl", "/Z7",
		"-Xclang", "-fdebug-compilation-dir", "-Xclang", "/base", "-c", "x.cc")
	NewVCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/base", req.Cwd, "-fdebug-compilation-dir replaces cwd")

	req = baseRequest("/w", "clang-cl", "/Z7", "-c", "x.cc")
	NewVCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/w", req.Cwd, "/Z7 alone keeps cwd")
}

func TestVCCoverageKeepsCwd(t *testing.T) {
	req := baseRequest("/w", "clang-cl",
		"-fprofile-instr-generate", "-fcoverage-mapping", "-c", "x.cc")
	NewVCNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/w", req.Cwd)
}

func TestClangTidyNormalizesLittle(t *testing.T) {
	req := baseRequest("/w", "clang-tidy", "x.cc")
	req.Command.SystemIncludePaths = []string{"/usr/include"}
	req.Inputs = []Input{{Filename: "/w/x.cc", HashKey: "h"}}
	NewClangTidyNormalizer().NormalizeForCacheKey(1, req)
	assert.Equal(t, "/w", req.Cwd)
	assert.Equal(t, "/w/x.cc", req.Inputs[0].Filename)
	assert.Empty(t, req.Command.SystemIncludePaths)
}

func TestFamilyFromArg(t *testing.T) {
	tests := []struct {
		arg  string
		want Family
	}{
		{"gcc", FamilyGCC},
		{"/usr/bin/g++", FamilyGCC},
		{"clang++", FamilyGCC},
		{"aarch64-linux-gnu-gcc", FamilyGCC},
		{"CL.exe", FamilyVC},
		{"clang-cl", FamilyVC},
		{"clang-tidy", FamilyClangTidy},
		{"/opt/jdk/bin/javac", FamilyJavac},
		{"java", FamilyJava},
		{"python3", FamilyUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FamilyFromArg(tt.arg), "arg %q", tt.arg)
	}
}

func TestRewritePathWithDebugPrefixMap(t *testing.T) {
	m := map[string]string{
		"/home/alice":     "/base",
		"/home/alice/sub": "/other",
	}
	// Longest prefix wins.
	got, ok := RewritePathWithDebugPrefixMap(m, "/home/alice/sub/f.cc")
	assert.True(t, ok)
	assert.Equal(t, "/other/f.cc", got)

	got, ok = RewritePathWithDebugPrefixMap(m, "/home/alice/f.cc")
	assert.True(t, ok)
	assert.Equal(t, "/base/f.cc", got)

	_, ok = RewritePathWithDebugPrefixMap(m, "/elsewhere/f.cc")
	assert.False(t, ok)

	assert.True(t, HasAmbiguityInDebugPrefixMap(m))
	assert.False(t, HasAmbiguityInDebugPrefixMap(map[string]string{"/a": "/x", "/b": "/y"}))
}

func TestSerializationStability(t *testing.T) {
	req := baseRequest("/w", "clang", "-c", "x.cc")
	req.Inputs = []Input{{Filename: "x.cc", HashKey: "h"}}
	NewGCCNormalizer().NormalizeForCacheKey(1, req)
	a := marshal(t, req)
	b := marshal(t, req)
	assert.Equal(t, a, b, "serialization must be deterministic")

	var decoded CompileRequest
	require.NoError(t, decoded.UnmarshalBinary(a))
	assert.Equal(t, req.Args, decoded.Args)
	assert.Equal(t, req.Inputs[0].HashKey, decoded.Inputs[0].HashKey)
}
