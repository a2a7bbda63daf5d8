package main

import (
	"testing"

	"email2deadline/internal/config"
	"email2deadline/internal/mailbox"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		args        []string
		wantCommand string
		wantInputs  int
		wantStdout  bool
	}{
		{name: "default export", args: []string{"a.eml", "b.mbox"}, wantCommand: "export", wantInputs: 2},
		{name: "explicit export", args: []string{"export", "-stdout", "a.eml"}, wantCommand: "export", wantInputs: 1, wantStdout: true},
		{name: "watch", args: []string{"watch", "-v"}, wantCommand: "watch"},
		{name: "serve", args: []string{"serve", "-listen", ":9090"}, wantCommand: "serve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseFlags(tt.args)
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			if got.command != tt.wantCommand {
				t.Errorf("command: got %q, want %q", got.command, tt.wantCommand)
			}
			if len(got.inputs) != tt.wantInputs {
				t.Errorf("inputs: got %v, want %d", got.inputs, tt.wantInputs)
			}
			if got.stdout != tt.wantStdout {
				t.Errorf("stdout: got %v, want %v", got.stdout, tt.wantStdout)
			}
		})
	}

	if _, err := parseFlags([]string{"-no-such-flag"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestBuildSource(t *testing.T) {
	t.Parallel()

	conf := config.DefaultConfig()
	if src := buildSource(conf, nil); src != nil {
		t.Errorf("no inputs: got %v, want nil", src)
	}

	conf.Inputs = []string{"mail/"}
	if _, ok := buildSource(conf, nil).(mailbox.FileSource); !ok {
		t.Error("configured inputs should yield a FileSource")
	}

	conf.IMAP = &config.IMAPConfig{Host: "imap.example.com"}
	conf.Normalize()
	if _, ok := buildSource(conf, nil).(mailbox.MultiSource); !ok {
		t.Error("files plus imap should yield a MultiSource")
	}

	// Explicit files replace configured inputs and skip IMAP.
	fs, ok := buildSource(conf, []string{"x.eml"}).(mailbox.FileSource)
	if !ok || len(fs.Paths) != 1 || fs.Paths[0] != "x.eml" {
		t.Errorf("explicit files: got %#v", fs)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/config.yaml"
	conf, err := loadConfig(flagConfig{configPath: path, timezone: "Europe/Berlin", calendarName: "Uni", outputDir: "/tmp/out"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if conf.Timezone != "Europe/Berlin" || conf.CalendarName != "Uni" || conf.OutputDir != "/tmp/out" {
		t.Errorf("overrides not applied: %+v", conf)
	}

	if _, err := loadConfig(flagConfig{configPath: path, timezone: "Not/AZone"}); err == nil {
		t.Error("expected error for invalid -tz")
	}
}
