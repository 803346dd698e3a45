package main

import "testing"

func TestCommandsListed(t *testing.T) {
	if len(commandOrder) != len(commands) {
		t.Fatalf("commandOrder has %d entries, commands has %d", len(commandOrder), len(commands))
	}
	for _, name := range commandOrder {
		if _, ok := commands[name]; !ok {
			t.Errorf("command %q listed but not registered", name)
		}
	}
}

func TestParseFlags(t *testing.T) {
	var opts spendOptions
	rest, err := parseFlags("send", &opts, []string{"qi1dest", "500", "--fee", "5", "--wait"})
	if err != nil {
		t.Fatalf("parseFlags() error: %v", err)
	}
	if opts.Fee != 5 || !opts.Wait {
		t.Errorf("opts = %+v", opts)
	}
	if len(rest) != 2 || rest[0] != "qi1dest" || rest[1] != "500" {
		t.Errorf("rest = %v", rest)
	}

	if _, err := parseFlags("send", &opts, []string{"--fee", "lots"}); err == nil {
		t.Error("expected error for non-numeric fee")
	}
}
