package persona

import (
	"errors"
	"reflect"
	"testing"
)

func TestLibraryLifecycle(t *testing.T) {
	lib, err := NewLibrary(t.TempDir())
	if err != nil {
		t.Fatalf("NewLibrary() error = %v", err)
	}

	if err := lib.Add("cat", "You are a cat."); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := lib.Add("cat", "again"); !errors.Is(err, ErrExists) {
		t.Fatalf("Add() duplicate error = %v, want ErrExists", err)
	}
	if !lib.Exists("cat") {
		t.Fatalf("Exists(cat) = false, want true")
	}
	text, err := lib.Get("cat")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if text != "You are a cat." {
		t.Fatalf("Get() = %q", text)
	}

	if err := lib.Add("alpha", "a"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	names, err := lib.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "cat"}) {
		t.Fatalf("List() = %v", names)
	}

	if err := lib.Delete("cat"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := lib.Get("cat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := lib.Delete("cat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() missing error = %v, want ErrNotFound", err)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", " x", "../etc", "a/b", ".hidden"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateName(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
	if err := ValidateName("猫娘"); err != nil {
		t.Fatalf("ValidateName() error = %v", err)
	}
}
