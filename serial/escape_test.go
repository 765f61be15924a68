package serial

import "testing"

// Table mirrors original_source/crates/noid-core/src/exec.rs's own
// shell_escape test cases.
func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"hello", "hello"},
		{"hello-world_1.2/3", "hello-world_1.2/3"},
		{"hello world", "'hello world'"},
		{"it's", `'it'\''s'`},
		{"$(rm -rf /)", `'$(rm -rf /)'`},
		{"a'b'c", `'a'\''b'\''c'`},
	}
	for _, tc := range cases {
		if got := ShellQuote(tc.in); got != tc.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidEnvName(t *testing.T) {
	valid := []string{"FOO", "_bar", "Baz123", "a"}
	for _, n := range valid {
		if !ValidEnvName(n) {
			t.Errorf("expected %q to be valid", n)
		}
	}
	invalid := []string{"", "1FOO", "FOO-BAR", "FOO BAR", "FOO=BAR"}
	for _, n := range invalid {
		if ValidEnvName(n) {
			t.Errorf("expected %q to be invalid", n)
		}
	}
}

func TestExportLineRejectsInvalidName(t *testing.T) {
	if _, err := ExportLine("1BAD", "x"); err == nil {
		t.Fatalf("expected error for invalid name")
	}
}

func TestExportLineQuotesValue(t *testing.T) {
	line, err := ExportLine("FOO", "it's a test")
	if err != nil {
		t.Fatalf("export line: %v", err)
	}
	want := `export FOO='it'\''s a test'`
	if line != want {
		t.Fatalf("got %q want %q", line, want)
	}
}

func TestJoinArgv(t *testing.T) {
	got := JoinArgv([]string{"/bin/sh", "-c", "exit 7"})
	want := `/bin/sh -c 'exit 7'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
