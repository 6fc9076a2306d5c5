package execreq

import (
	"path/filepath"
	"strings"
)

// Family tags a compiler dialect.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyGCC
	FamilyVC
	FamilyClangTidy
	FamilyJava
	FamilyJavac
)

func (f Family) String() string {
	switch f {
	case FamilyGCC:
		return "gcc"
	case FamilyVC:
		return "vc"
	case FamilyClangTidy:
		return "clang-tidy"
	case FamilyJava:
		return "java"
	case FamilyJavac:
		return "javac"
	default:
		return "unknown"
	}
}

// FamilyFromArg routes on argv[0]: basename, lowercased, with a
// Windows .exe extension stripped.
func FamilyFromArg(arg string) Family {
	name := strings.ToLower(filepath.Base(arg))
	name = strings.TrimSuffix(name, ".exe")

	switch {
	case strings.Contains(name, "clang-tidy"):
		return FamilyClangTidy
	case name == "cl" || name == "clang-cl":
		return FamilyVC
	case name == "javac":
		return FamilyJavac
	case name == "java":
		return FamilyJava
	}

	// gcc, g++, clang, clang++, and cross prefixes like
	// aarch64-linux-gnu-gcc.
	for _, suffix := range []string{"gcc", "g++", "clang", "clang++", "cc", "c++"} {
		if name == suffix || strings.HasSuffix(name, "-"+suffix) {
			return FamilyGCC
		}
	}
	return FamilyUnknown
}

// NewNormalizer returns the dialect normalizer for argv[0].
func NewNormalizer(arg0 string) Normalizer {
	switch FamilyFromArg(arg0) {
	case FamilyGCC:
		return NewGCCNormalizer()
	case FamilyVC:
		return NewVCNormalizer()
	case FamilyClangTidy:
		return NewClangTidyNormalizer()
	case FamilyJava:
		return NewJavaNormalizer()
	case FamilyJavac:
		return NewJavacNormalizer()
	default:
		return NewAsIsNormalizer()
	}
}
