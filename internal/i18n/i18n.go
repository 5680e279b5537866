// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package i18n translates the messages the command line prints for people.
// Machine-readable output (JSON reports, log fields) is never translated.
package i18n

import (
	"embed"
	"io/fs"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
)

func unmarshalYAML(data []byte, v any) error { return yaml.Unmarshal(data, v) }

// Init loads the embedded locales and selects lang. Unknown languages fall
// back to English.
func Init(lang string) {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("yaml", unmarshalYAML)

	files, _ := fs.ReadDir(localeFS, "locales")
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			continue
		}
		_, _ = b.ParseMessageFileBytes(data, f.Name())
	}

	mu.Lock()
	bundle = b
	localizer = i18n.NewLocalizer(b, lang, language.English.String())
	mu.Unlock()
}

// T translates messageID, filling template fields from data. A missing
// message yields the id itself.
func T(messageID string, data ...map[string]any) string {
	mu.RLock()
	l := localizer
	mu.RUnlock()
	if l == nil {
		Init("en")
		mu.RLock()
		l = localizer
		mu.RUnlock()
	}
	cfg := &i18n.LocalizeConfig{MessageID: messageID}
	if len(data) > 0 {
		cfg.TemplateData = data[0]
	}
	msg, err := l.Localize(cfg)
	if err != nil {
		return messageID
	}
	return msg
}

// Languages lists the tags of the loaded locales.
func Languages() []string {
	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b == nil {
		return nil
	}
	var out []string
	for _, t := range b.LanguageTags() {
		out = append(out, t.String())
	}
	return out
}
