package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(validEntity()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, err := r.Get("widgets")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Table != "widgets" || len(e.Columns) != 4 {
		t.Errorf("Get returned %+v", e)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(validEntity()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(validEntity())
	if !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("err = %v, want ErrDuplicateEntity", err)
	}
}

func TestRegistryRejectsInvalidEntity(t *testing.T) {
	t.Parallel()

	e := validEntity()
	e.UniqueKey = nil
	if err := NewRegistry().Register(e); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRegistryUnknownEntity(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().Get("nope")
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestRegistryNamesAndAllSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		e := validEntity()
		e.Name = name
		e.Table = name
		if err := r.Register(e); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	want := []string{"alpha", "mid", "zeta"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	all := r.All()
	if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "zeta" {
		t.Errorf("All() order wrong: %v", all)
	}
}

func TestBuiltinEntitiesAreValid(t *testing.T) {
	t.Parallel()

	r := Builtin()
	names := r.Names()
	if len(names) == 0 {
		t.Fatal("no builtin entities")
	}

	for _, e := range r.All() {
		if err := e.Validate(); err != nil {
			t.Errorf("%s: %v", e.Name, err)
		}
		// Parent entities referenced by foreign keys must exist and use a
		// single-column key, since the engine checks existence by one value.
		for _, fk := range e.ForeignKeys {
			parent, err := r.Get(fk.References)
			if err != nil {
				t.Errorf("%s: fk %s references unknown entity %s", e.Name, fk.Column, fk.References)
				continue
			}
			if len(parent.UniqueKey) != 1 {
				t.Errorf("%s: fk parent %s has composite key %v", e.Name, fk.References, parent.UniqueKey)
			}
		}
	}
}

func TestBuiltinOrdersShape(t *testing.T) {
	t.Parallel()

	e, err := Builtin().Get("orders")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e.UniqueKey, []string{"order_id"}) {
		t.Errorf("unique key = %v", e.UniqueKey)
	}
	if !reflect.DeepEqual(e.Identity, []string{"first_seen_at"}) {
		t.Errorf("identity = %v", e.Identity)
	}
	req := e.RequiredColumns()
	if !reflect.DeepEqual(req, []string{"order_id", "source", "purchase_date"}) {
		t.Errorf("required = %v", req)
	}
}
