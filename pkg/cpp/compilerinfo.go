package cpp

// CompilerInfo is the side table of compiler capabilities that the
// __has_* probes consult. The dispatcher fills it from the local
// compiler; unknown keys evaluate to 0.
type CompilerInfo struct {
	Features           map[string]int64
	Extensions         map[string]int64
	Attributes         map[string]int64
	CppAttributes      map[string]int64
	DeclspecAttributes map[string]int64
	Builtins           map[string]int64

	// SupportedPredefinedMacros lists the callback macros this
	// compiler understands (e.g. "__has_feature").
	SupportedPredefinedMacros map[string]bool

	// PredefinedMacros is the compiler's predefined macro dump
	// (`gcc -dM -E`-style `#define` lines).
	PredefinedMacros string
}

// NewCompilerInfo returns an empty side table.
func NewCompilerInfo() *CompilerInfo {
	return &CompilerInfo{
		Features:                  make(map[string]int64),
		Extensions:                make(map[string]int64),
		Attributes:                make(map[string]int64),
		CppAttributes:             make(map[string]int64),
		DeclspecAttributes:        make(map[string]int64),
		Builtins:                  make(map[string]int64),
		SupportedPredefinedMacros: make(map[string]bool),
	}
}

func (ci *CompilerInfo) lookup(callback, key string) int64 {
	var m map[string]int64
	switch callback {
	case "__has_feature":
		m = ci.Features
	case "__has_extension":
		m = ci.Extensions
	case "__has_attribute":
		m = ci.Attributes
	case "__has_cpp_attribute":
		m = ci.CppAttributes
	case "__has_declspec_attribute":
		m = ci.DeclspecAttributes
	case "__has_builtin":
		m = ci.Builtins
	default:
		return 0
	}
	if m == nil {
		return 0
	}
	return m[key]
}
