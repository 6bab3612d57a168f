package config

import "testing"

func TestValidateRefusesDevDefaultsInProduction(t *testing.T) {
	c := Load()
	c.Env = "production"
	c.Development = false
	c.TokenSigningSecret = "dev-secret-not-for-prod"

	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject a dev-default secret in production")
	}

	c.TokenSigningSecret = "a-real-secret-from-the-vault"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected Validate to pass with a real secret: %v", err)
	}
}

func TestValidateRefusesDevModeFlagInProduction(t *testing.T) {
	c := Load()
	c.Env = "production"
	c.Development = true
	c.TokenSigningSecret = "a-real-secret"

	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject Development=true in production")
	}
}

func TestIsDevelopmentDefault(t *testing.T) {
	c := Load()
	if !c.IsDevelopment() {
		t.Fatal("expected default Env to be development")
	}
	if c.IsProduction() {
		t.Fatal("default config must not be production")
	}
}
