package match

import (
	"testing"
)

func TestDecodeParams(t *testing.T) {
	type params struct {
		Name  string   `param:"name"`
		ID    int64    `param:"id"`
		Page  uint     `param:"page"`
		Ratio float64  `param:"ratio"`
		Draft bool     `param:"draft"`
		Rest  []string `param:"*"`
		Skip  string
	}

	var p params
	err := DecodeParams(map[string]string{
		"name":  "post",
		"id":    "9223372036854775807",
		"page":  "3",
		"ratio": "0.5",
		"draft": "true",
		"*":     "a/b/c",
	}, &p)
	if err != nil {
		t.Fatalf("DecodeParams() error: %v", err)
	}
	if p.Name != "post" || p.ID != 9223372036854775807 || p.Page != 3 || p.Ratio != 0.5 || !p.Draft {
		t.Errorf("DecodeParams() = %+v", p)
	}
	if len(p.Rest) != 3 || p.Rest[2] != "c" {
		t.Errorf("Rest = %v, want [a b c]", p.Rest)
	}
}

func TestDecodeParamsErrors(t *testing.T) {
	var p struct {
		ID int `param:"id"`
	}
	if err := DecodeParams(map[string]string{"id": "abc"}, &p); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := DecodeParams(map[string]string{}, p); err == nil {
		t.Error("expected error for non-pointer target")
	}

	var u struct {
		ID string `param:"id,uuid"`
	}
	if err := DecodeParams(map[string]string{"id": "nope"}, &u); err == nil {
		t.Error("expected error for invalid uuid")
	}
	if err := DecodeParams(map[string]string{"id": "123e4567-e89b-12d3-a456-426614174000"}, &u); err != nil {
		t.Errorf("valid uuid rejected: %v", err)
	}
}
