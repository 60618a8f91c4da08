package config

import (
	"os"
	"testing"
)

const validYAML = `
identities:
  - name: Bob
    token: THISisBOBSsuperSECRETauthToken123
publishers:
  - queue: jsonq
    contentType: json
    confirm: true
  - queue: auth
    contentType: binary
    confirm: true
    identities: [Bob]
consumers:
  - queue: nonconfirm
subscribers:
  - name: jsontest
    queue: jsonq
    target: http://localhost:9999/hook
    contentType: json
    prefetch: 2
    timeout: 1000
    backoffStrategy: linear
    retries: 5
    retryDelay: 1000
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Publishers) != 2 {
		t.Fatalf("len(Publishers) = %d, want 2", len(cfg.Publishers))
	}
	if cfg.Consume.SuccessStatus != 205 {
		t.Errorf("SuccessStatus = %d, want 205 default", cfg.Consume.SuccessStatus)
	}
}

func TestParseUnknownIdentity(t *testing.T) {
	bad := `
publishers:
  - queue: q
    contentType: json
    identities: [Ghost]
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for unknown identity reference")
	}
}

func TestParseSchemaOnBinaryRejected(t *testing.T) {
	bad := `
publishers:
  - queue: q
    contentType: binary
    schema: '{"type":"object"}'
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for schema on a binary publisher")
	}
}

func TestParseDuplicateQueue(t *testing.T) {
	bad := `
publishers:
  - queue: q
    contentType: json
  - queue: q
    contentType: binary
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for duplicate publisher queue")
	}
}

func TestParseSubscriberInvalidBackoff(t *testing.T) {
	bad := `
subscribers:
  - name: s1
    queue: q
    target: http://localhost/hook
    contentType: binary
    prefetch: 1
    timeout: 100
    backoffStrategy: quadratic
    retries: 1
    retryDelay: 10
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for invalid backoff strategy")
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("BUNNY_TEST_TOKEN", "secret123")
	defer os.Unsetenv("BUNNY_TEST_TOKEN")

	yamlWithEnv := `
identities:
  - name: Bob
    token: ${BUNNY_TEST_TOKEN}
`
	cfg, err := Parse([]byte(yamlWithEnv))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Identities[0].Token != "secret123" {
		t.Errorf("Token = %q, want %q", cfg.Identities[0].Token, "secret123")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
