package payload

import (
	"testing"

	"github.com/Sykios/JobManager-sub002/internal/syncerr"
)

func TestWrapOpenRoundtrip(t *testing.T) {
	type application struct {
		Company  string `json:"company"`
		Position string `json:"position"`
	}

	data, err := Wrap(application{Company: "Acme", Position: "Backend Engineer"})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	env, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if env.Version != Version {
		t.Errorf("expected version %d, got %d", Version, env.Version)
	}

	var got application
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Company != "Acme" || got.Position != "Backend Engineer" {
		t.Errorf("unexpected fields after roundtrip: %+v", got)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"not json":        []byte("{nope"),
		"missing fields":  []byte(`{"v":1}`),
		"unknown version": []byte(`{"v":99,"fields":{"a":1}}`),
	}

	for name, data := range cases {
		_, err := Open(data)
		if err == nil {
			t.Errorf("%s: expected error, got nil", name)
			continue
		}
		if !syncerr.IsKind(err, syncerr.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}
