// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1}, // substitution
		{"abc", "ab", 1},  // deletion
		{"ab", "abc", 1},  // insertion
		{"abc", "bac", 2}, // transposition (counted as 2 edits)
		{"kitten", "sitting", 3},
		{"extract", "extrcat", 2},
		{"mount", "monut", 2},
		{"verify", "verfy", 1},
		{"version", "vrsion", 1},
	}

	for _, test := range tests {
		t.Run(test.a+"->"+test.b, func(t *testing.T) {
			got := levenshtein(test.a, test.b)
			if got != test.want {
				t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestLevenshtein_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"abc", "abd"},
		{"hello", "helo"},
		{"mount", "monut"},
	}

	for _, pair := range pairs {
		forward := levenshtein(pair[0], pair[1])
		reverse := levenshtein(pair[1], pair[0])
		if forward != reverse {
			t.Errorf("levenshtein(%q, %q) = %d, but reverse = %d",
				pair[0], pair[1], forward, reverse)
		}
	}
}

func TestSuggestCommand(t *testing.T) {
	commands := []*Command{
		{Name: "mount"},
		{Name: "list"},
		{Name: "extract"},
		{Name: "info"},
		{Name: "verify"},
		{Name: "version"},
	}

	tests := []struct {
		input string
		want  string
	}{
		{"monut", "mount"},      // transposition
		{"extrct", "extract"},   // missing letter
		{"extractt", "extract"}, // extra letter
		{"vrsion", "version"},   // missing letter
		{"lst", "list"},         // missing letters
		{"verfiy", "verify"},    // transposition
		{"zzzzzzzzz", ""},       // nothing close
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			got := suggestCommand(test.input, commands)
			if got != test.want {
				t.Errorf("suggestCommand(%q) = %q, want %q", test.input, got, test.want)
			}
		})
	}
}

func TestSuggestFlag(t *testing.T) {
	makeFlagSet := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flagSet.String("config", "", "")
		flagSet.String("volume-name", "", "")
		flagSet.Bool("allow-other", false, "")
		flagSet.Bool("single-threaded", false, "")
		flagSet.Bool("debug", false, "")
		return flagSet
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "close typo with double dash",
			args: []string{"--allow-othre"},
			want: "--allow-other",
		},
		{
			name: "close typo with single dash",
			args: []string{"-allow-othre"},
			want: "--allow-other",
		},
		{
			name: "debug typo",
			args: []string{"--debgu"},
			want: "--debug",
		},
		{
			name: "config typo",
			args: []string{"--cnfig"},
			want: "--config",
		},
		{
			name: "nothing close",
			args: []string{"--zzzzzzzzz"},
			want: "",
		},
		{
			name: "no flags",
			args: []string{"positional"},
			want: "",
		},
		{
			name: "flag with equals",
			args: []string{"--cnfig=ninfs.yaml"},
			want: "--config",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := suggestFlag(test.args, makeFlagSet())
			if got != test.want {
				t.Errorf("suggestFlag(%v) = %q, want %q", test.args, got, test.want)
			}
		})
	}
}
