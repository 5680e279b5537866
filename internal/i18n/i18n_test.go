// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"slices"
	"testing"
)

func TestTranslate(t *testing.T) {
	t.Cleanup(func() { Init("en") })

	Init("en")
	if got := T("machine.none"); got != "No machines found." {
		t.Errorf("en = %q", got)
	}
	if got := T("machine.added", map[string]any{"ID": "3", "Address": "10.0.0.3", "Owner": "t1"}); got != "Added machine 3 (10.0.0.3) for t1" {
		t.Errorf("template = %q", got)
	}

	Init("de")
	if got := T("machine.none"); got != "Keine Maschinen gefunden." {
		t.Errorf("de = %q", got)
	}
}

func TestFallbacks(t *testing.T) {
	t.Cleanup(func() { Init("en") })

	Init("fr")
	if got := T("history.none"); got != "No executions recorded." {
		t.Errorf("unknown language should fall back to English, got %q", got)
	}
	if got := T("no.such.message"); got != "no.such.message" {
		t.Errorf("missing id = %q", got)
	}
}

func TestLanguages(t *testing.T) {
	Init("en")
	langs := Languages()
	for _, want := range []string{"en", "de"} {
		if !slices.Contains(langs, want) {
			t.Errorf("languages %v missing %q", langs, want)
		}
	}
}
