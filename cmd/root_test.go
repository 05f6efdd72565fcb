package cmd

import (
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "models", "clear", "healthcheck"}

	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}

	for _, name := range want {
		if !registered[name] {
			t.Errorf("command %q not registered on root", name)
		}
	}
}

func TestRootHasVersion(t *testing.T) {
	if rootCmd.Version == "" {
		t.Error("root command has no version")
	}
}
