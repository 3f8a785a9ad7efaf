package state

import (
	"time"

	"polybot/internal/providers"
)

// currentVersion gates one-time migrations at load.
const currentVersion = 2

// ProviderRecord is the at-rest shape of a configured provider. The API key
// is an envelope-encrypted JSON string, never plaintext.
type ProviderRecord struct {
	Name            string                `json:"name"`
	BaseURL         string                `json:"base_url"`
	EncAPIKey       string                `json:"enc_api_key,omitempty"`
	Auth            *providers.AuthConfig `json:"auth,omitempty"`
	PreferredCompat providers.Compat      `json:"preferred_compat,omitempty"`
}

// ModelSelector points one logical kind at a provider+model pair.
type ModelSelector struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// SessionMeta tracks recency and size for global history eviction.
type SessionMeta struct {
	LastWrite time.Time `json:"last_write"`
	Bytes     int       `json:"bytes"`
}

// TelegraphPost records one long-form overflow publication.
type TelegraphPost struct {
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// TelegraphState holds the lazily provisioned access token and recent posts.
type TelegraphState struct {
	AccessToken string          `json:"access_token,omitempty"`
	Posts       []TelegraphPost `json:"posts,omitempty"`
}

// Document is the whole persisted gateway state.
type Document struct {
	DataVersion int `json:"data_version"`

	Providers      map[string]ProviderRecord                       `json:"providers"`
	ModelOverrides map[string]map[string]providers.Compat          `json:"model_compat_overrides"`
	Catalog        map[string]providers.Compat                     `json:"model_catalog"`
	CatalogUpdated time.Time                                       `json:"model_catalog_updated_at"`
	Selectors      map[providers.Kind]ModelSelector                `json:"model_selectors"`
	Histories      map[string][]providers.Turn                     `json:"histories"`
	HistoryMeta    map[string]SessionMeta                          `json:"history_meta"`
	Telegraph      TelegraphState                                  `json:"telegraph_state"`
}

func newDocument() *Document {
	doc := &Document{DataVersion: currentVersion}
	doc.ensureMaps()
	return doc
}

func (d *Document) ensureMaps() {
	if d.Providers == nil {
		d.Providers = map[string]ProviderRecord{}
	}
	if d.ModelOverrides == nil {
		d.ModelOverrides = map[string]map[string]providers.Compat{}
	}
	if d.Catalog == nil {
		d.Catalog = map[string]providers.Compat{}
	}
	if d.Selectors == nil {
		d.Selectors = map[providers.Kind]ModelSelector{}
	}
	if d.Histories == nil {
		d.Histories = map[string][]providers.Turn{}
	}
	if d.HistoryMeta == nil {
		d.HistoryMeta = map[string]SessionMeta{}
	}
}

// migrate upgrades an older on-disk layout, one version step at a time.
func migrate(d *Document) {
	for d.DataVersion < currentVersion {
		switch d.DataVersion {
		case 0:
			// Pre-versioned layout: nothing beyond defaulted maps.
			d.ensureMaps()
		case 1:
			// Catalog introduced after overrides: seed it from the
			// manual overrides already on disk.
			d.ensureMaps()
			for _, models := range d.ModelOverrides {
				for model, compat := range models {
					if _, ok := d.Catalog[model]; !ok {
						d.Catalog[model] = compat
					}
				}
			}
		}
		d.DataVersion++
	}
	d.ensureMaps()
}
