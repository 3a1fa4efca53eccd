package compiler

import "testing"

func TestCloneIsIndependent(t *testing.T) {
	s := &Settings{IncludePaths: []string{"/a"}, Libraries: []string{"foo"}}
	clone := s.Clone()

	clone.IncludePaths = append(clone.IncludePaths, "/b")
	clone.Libraries[0] = "bar"

	if len(s.IncludePaths) != 1 {
		t.Fatalf("original IncludePaths mutated by clone append: %v", s.IncludePaths)
	}
	if s.Libraries[0] != "foo" {
		t.Fatalf("original Libraries element mutated through clone: %v", s.Libraries)
	}
}

func TestPathHelpers(t *testing.T) {
	s := &Settings{ObjectSuffix: ".o", LibraryPrefix: "lib", LibrarySuffix: ".a", ProgramSuffix: ""}
	if got, want := s.ObjectPath("out", "a"), "out/a.o"; got != want {
		t.Fatalf("ObjectPath() = %q, want %q", got, want)
	}
	if got, want := s.LibraryPath("out", "foo"), "out/libfoo.a"; got != want {
		t.Fatalf("LibraryPath() = %q, want %q", got, want)
	}
	if got, want := s.ProgramPath("out", "prog"), "out/prog"; got != want {
		t.Fatalf("ProgramPath() = %q, want %q", got, want)
	}
}
