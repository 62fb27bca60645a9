package config

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
)

func TestSchemaRegistryBuiltins(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	if got := sr.ListSchemas(); len(got) != 1 || got[0] != "lab" {
		t.Errorf("ListSchemas() = %v", got)
	}
	for _, def := range []string{"#Lab", "#Machine"} {
		if _, err := sr.Definition("lab", def); err != nil {
			t.Errorf("Definition(%s) error = %v", def, err)
		}
	}
	if _, err := sr.Definition("lab", "#Missing"); err == nil {
		t.Error("Definition(#Missing) succeeded")
	}
	if _, err := sr.Definition("missing", "#Lab"); err == nil {
		t.Error("Definition on unknown schema succeeded")
	}
}

func TestSchemaRegistryCheck(t *testing.T) {
	ctx := cuecontext.New()
	sr := NewSchemaRegistry(ctx)

	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"minimal", `{name: "a", provider: "local"}`, false},
		{"with machines", `{name: "a", provider: "vps", machines: [{name: "web", cpu: 2}]}`, false},
		{"unknown provider", `{name: "a", provider: "aws"}`, true},
		{"empty name", `{name: "", provider: "vps"}`, true},
		{"missing provider", `{name: "a"}`, true},
		{"bad machine name", `{name: "a", provider: "vps", machines: [{name: "-web"}]}`, true},
		{"zero cpu", `{name: "a", provider: "vps", machines: [{name: "web", cpu: 0}]}`, true},
		{"unknown field", `{name: "a", provider: "vps", color: "red"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ctx.CompileString(tt.src)
			if err := v.Err(); err != nil {
				t.Fatal(err)
			}
			_, err := sr.Check("lab", "#Lab", v)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	if err := sr.RegisterSchema("bundle", `#Bundle: {name: string, playbook: string}`); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if _, err := sr.Definition("bundle", "#Bundle"); err != nil {
		t.Error(err)
	}
	if err := sr.RegisterSchema("broken", `#X: {`); err == nil {
		t.Error("RegisterSchema accepted invalid CUE")
	}

	v := sr.ctx.CompileString(`{name: "x"}`)
	if _, err := sr.Check("bundle", "#Bundle", v); err == nil {
		t.Error("Check accepted a bundle without playbook")
	}
}
