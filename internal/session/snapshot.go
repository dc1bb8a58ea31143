package session

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
)

// PageDescriptor is the restorable part of a page.
type PageDescriptor struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// SessionDescriptor is the restorable part of a session. Descriptors carry
// no engine state: restoring one launches a fresh instance and re-navigates.
type SessionDescriptor struct {
	ID       string           `yaml:"id" json:"id"`
	Kind     browser.Kind     `yaml:"browser_type" json:"browser_type"`
	Headless bool             `yaml:"headless" json:"headless"`
	Viewport browser.Viewport `yaml:"viewport" json:"viewport"`
	Pages    []PageDescriptor `yaml:"pages,omitempty" json:"pages,omitempty"`
}

// Snapshot describes every active session. Invalid sessions are skipped.
func (m *Manager) Snapshot() []SessionDescriptor {
	var out []SessionDescriptor
	for _, s := range m.live() {
		inf := s.info()
		if inf.State != StateActive {
			continue
		}
		d := SessionDescriptor{ID: inf.ID, Kind: inf.Kind, Headless: inf.Headless, Viewport: inf.Viewport}
		for _, p := range inf.Pages {
			pd := PageDescriptor{ID: p.ID}
			if p.URL != "about:blank" {
				pd.URL = p.URL
			}
			d.Pages = append(d.Pages, pd)
		}
		out = append(out, d)
	}
	return out
}

// Restore re-creates sessions and pages from descriptors, keeping their ids
// when free. It stops at the first failure and returns what was restored.
func (m *Manager) Restore(ctx context.Context, descs []SessionDescriptor) ([]Info, error) {
	out := make([]Info, 0, len(descs))
	for _, d := range descs {
		headless := d.Headless
		inf, err := m.createSession(ctx, CreateOptions{Kind: d.Kind, Headless: &headless, Viewport: d.Viewport}, d.ID)
		if err != nil {
			return out, fmt.Errorf("restore session %s: %w", d.ID, err)
		}
		for _, pd := range d.Pages {
			if _, err := m.createPage(ctx, inf.ID, pd.URL, pd.ID); err != nil {
				return out, fmt.Errorf("restore page %s/%s: %w", inf.ID, pd.ID, err)
			}
		}
		if inf, err = m.GetSession(inf.ID); err != nil {
			return out, err
		}
		out = append(out, inf)
	}
	return out, nil
}

// EncodeSnapshot writes descriptors as YAML.
func EncodeSnapshot(w io.Writer, descs []SessionDescriptor) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Sessions []SessionDescriptor `yaml:"sessions"`
	}{descs}); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}

// DecodeSnapshot reads descriptors written by EncodeSnapshot.
func DecodeSnapshot(r io.Reader) ([]SessionDescriptor, error) {
	var doc struct {
		Sessions []SessionDescriptor `yaml:"sessions"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, apperr.Wrap("session.decode_snapshot", apperr.CodeValidation, err)
	}
	return doc.Sessions, nil
}
