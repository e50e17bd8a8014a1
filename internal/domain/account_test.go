package domain

import "testing"

func TestCreateAccountSpecValidate(t *testing.T) {
	tests := []struct {
		name      string
		spec      CreateAccountSpec
		wantField string
	}{
		{
			name: "valid standard account",
			spec: CreateAccountSpec{Reference: "WATER2024", Name: "Water Project 2024", Type: AccountTypeStandard},
		},
		{
			name: "type defaults when empty",
			spec: CreateAccountSpec{Reference: "WATER2024", Name: "Water Project 2024"},
		},
		{
			name:      "blank reference",
			spec:      CreateAccountSpec{Reference: "   ", Name: "Water Project 2024"},
			wantField: "reference",
		},
		{
			name:      "blank name",
			spec:      CreateAccountSpec{Reference: "WATER2024", Name: ""},
			wantField: "name",
		},
		{
			name:      "unknown type",
			spec:      CreateAccountSpec{Reference: "WATER2024", Name: "Water Project 2024", Type: "offshore"},
			wantField: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected valid spec, got %v", err)
				}
				return
			}
			validation, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if validation.Field != tt.wantField {
				t.Fatalf("expected field %q, got %q", tt.wantField, validation.Field)
			}
		})
	}
}

func TestNormalizedType(t *testing.T) {
	if got := (CreateAccountSpec{}).NormalizedType(); got != AccountTypeStandard {
		t.Fatalf("expected default type standard, got %q", got)
	}
	if got := (CreateAccountSpec{Type: AccountTypeProject}).NormalizedType(); got != AccountTypeProject {
		t.Fatalf("expected project, got %q", got)
	}
}

func TestIsActive(t *testing.T) {
	var nilAccount *Account
	if nilAccount.IsActive() {
		t.Fatal("nil account must not be active")
	}
	if !(&Account{Status: AccountStatusActive}).IsActive() {
		t.Fatal("active account must be active")
	}
	if (&Account{Status: AccountStatusSuspended}).IsActive() {
		t.Fatal("suspended account must not be active")
	}
}
