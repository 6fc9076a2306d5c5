package execreq

import "strings"

// NewVCNormalizer normalizes requests for the MSVC family (cl.exe,
// clang-cl).
func NewVCNormalizer() Normalizer {
	return &configurable{configure: vcConfigure}
}

// vcConfigure applies the MSVC-family rules:
//
//   - /showIncludes, /FC and -fdiagnostics-absolute-paths leak full
//     paths into diagnostics, so cwd and input filenames stay.
//   - /Z7 and other debug flags retain cwd, unless -Xclang
//     -fdebug-compilation-dir X replaces it with X.
//   - -fprofile-instr-generate with -fcoverage-mapping emits paths
//     into the coverage mapping, so cwd stays.
func vcConfigure(id int, req *CompileRequest) Config {
	cfg := Config{
		KeepCwd:               Omit,
		KeepArgs:              NormalizeWithCwd,
		KeepPathnamesInInput:  NormalizeWithCwd,
		KeepSystemIncludeDirs: NormalizeWithCwd,
	}

	var (
		absDiagnostics  bool
		debug           bool
		profileGenerate bool
		coverageMapping bool
		compilationDir  string
	)
	for i, arg := range req.Args {
		switch {
		case arg == "/showIncludes" || arg == "-showIncludes" ||
			arg == "/FC" || arg == "-FC" ||
			arg == "-fdiagnostics-absolute-paths":
			absDiagnostics = true
		case arg == "/Z7" || arg == "-Z7" || arg == "/Zi" || arg == "-Zi" ||
			arg == "/ZI" || arg == "-ZI":
			debug = true
		case arg == "-fprofile-instr-generate":
			profileGenerate = true
		case arg == "-fcoverage-mapping":
			coverageMapping = true
		case arg == "-fdebug-compilation-dir" && i+1 < len(req.Args):
			// The value may itself sit behind another -Xclang.
			if req.Args[i+1] == "-Xclang" && i+2 < len(req.Args) {
				compilationDir = req.Args[i+2]
			} else {
				compilationDir = req.Args[i+1]
			}
		case strings.HasPrefix(arg, "-fdebug-compilation-dir="):
			compilationDir = strings.TrimPrefix(arg, "-fdebug-compilation-dir=")
		}
	}

	if absDiagnostics {
		cfg.KeepCwd = AsIs
		cfg.KeepPathnamesInInput = AsIs
	}
	if debug {
		if compilationDir != "" {
			dir := compilationDir
			cfg.NewCwd = &dir
			cfg.KeepCwd &^= AsIs
		} else {
			cfg.KeepCwd = AsIs
		}
	}
	if profileGenerate && coverageMapping {
		cfg.KeepCwd = AsIs
	}
	return cfg
}
