package version

import "testing"

func TestGet(t *testing.T) {
	info := Get()
	if info == nil {
		t.Fatal("nil build info")
	}
	if info.GoVersion == "" {
		t.Error("empty go version")
	}
	if info.Dependencies == nil {
		t.Error("nil dependency list")
	}
	for i := 1; i < len(info.Dependencies); i++ {
		if info.Dependencies[i-1].Path > info.Dependencies[i].Path {
			t.Fatal("dependencies not sorted by path")
		}
	}
}

func TestDependencyMissing(t *testing.T) {
	if dep := Dependency("example.com/never/linked"); dep != nil {
		t.Fatalf("unexpected dependency info %+v", dep)
	}
}
