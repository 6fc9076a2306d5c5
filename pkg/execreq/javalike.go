package execreq

// The clang-tidy, Java and Javac normalizers change very little:
// system include paths are cleared, filenames and cwd are kept.

func javalikeConfigure(int, *CompileRequest) Config {
	return Config{
		KeepCwd:               AsIs,
		KeepArgs:              AsIs,
		KeepPathnamesInInput:  AsIs,
		KeepSystemIncludeDirs: Omit,
	}
}

// NewClangTidyNormalizer normalizes clang-tidy invocations.
func NewClangTidyNormalizer() Normalizer {
	return &configurable{configure: javalikeConfigure}
}

// NewJavaNormalizer normalizes java invocations.
func NewJavaNormalizer() Normalizer {
	return &configurable{configure: javalikeConfigure}
}

// NewJavacNormalizer normalizes javac invocations.
func NewJavacNormalizer() Normalizer {
	return &configurable{configure: javalikeConfigure}
}

// NewAsIsNormalizer keeps the request untouched except for the
// passes that always run (input ordering, subprogram paths, env
// stripping, content dropping).
func NewAsIsNormalizer() Normalizer {
	return &configurable{configure: func(int, *CompileRequest) Config { return ConfigAsIs() }}
}
