package auth

import (
	"encoding/json"
	"errors"
	"testing"
)

type mockValidator struct{}

func (m *mockValidator) Validate(token string) (*Claims, error) {
	if token == "valid" {
		return &Claims{Subject: "test-user", Scopes: []string{ScopeStatus}}, nil
	}
	return nil, errors.New("invalid token")
}

func TestRegistry(t *testing.T) {
	RegisterProvider("mock", func(config json.RawMessage) (Validator, error) {
		return &mockValidator{}, nil
	})

	found := false
	for _, p := range ListProviders() {
		if p == "mock" {
			found = true
			break
		}
	}
	if !found {
		t.Error("mock provider not found in registry")
	}

	validator, err := NewValidator(ProviderConfig{Type: "mock", Config: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	claims, err := validator.Validate("valid")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != "test-user" {
		t.Errorf("expected subject 'test-user', got '%s'", claims.Subject)
	}
	if !claims.HasScope(ScopeStatus) || claims.HasScope(ScopeAbort) {
		t.Errorf("unexpected scopes %v", claims.Scopes)
	}
}

func TestUnknownProvider(t *testing.T) {
	_, err := NewValidator(ProviderConfig{Type: "unknown"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestStringConfig(t *testing.T) {
	pc := StringConfig("hs256", `s3"cret`)
	var got string
	if err := json.Unmarshal(pc.Config, &got); err != nil {
		t.Fatalf("config is not a JSON string: %v", err)
	}
	if got != `s3"cret` {
		t.Fatalf("got %q", got)
	}
}

func TestWildcardScope(t *testing.T) {
	c := &Claims{Scopes: []string{"batchsup:*"}}
	if !c.HasScope(ScopeAbort) {
		t.Fatal("wildcard should grant abort")
	}
	var nilClaims *Claims
	if nilClaims.HasScope(ScopeAbort) {
		t.Fatal("nil claims grant nothing")
	}
}
