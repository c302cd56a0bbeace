// Package catalog maps model names across vendors.
//
// Models are grouped into equivalence classes by tier (premium, standard,
// economy, images, embeddings). Each class names its OpenAI model — the
// canonical identifier — and, where an equivalent exists, the Anthropic and
// Google counterparts. The fallback chain builder uses these classes to pick
// the vendor-native model name for every candidate vendor.
//
// The catalog is read-only after construction; no locking.
package catalog

import (
	"github.com/nulpointcorp/ai-router/internal/providers"
)

// Tier is the abstract quality class grouping equivalent models.
type Tier string

const (
	TierPremium    Tier = "premium"
	TierStandard   Tier = "standard"
	TierEconomy    Tier = "economy"
	TierImages     Tier = "images"
	TierEmbeddings Tier = "embeddings"
)

// Mapping is one equivalence class. OpenAI is mandatory; Anthropic and Google
// are empty when that vendor has no equivalent model.
type Mapping struct {
	Tier       Tier
	Capability providers.Capability
	OpenAI     string
	Anthropic  string
	Google     string
}

// ModelForVendor returns the vendor-native model name for this class, or ""
// when the vendor cannot serve it.
func (m *Mapping) ModelForVendor(vendor string) string {
	switch vendor {
	case providers.VendorOpenAI:
		return m.OpenAI
	case providers.VendorAnthropic:
		return m.Anthropic
	case providers.VendorGoogle:
		return m.Google
	}
	return ""
}

// defaultMappings is the static table compiled into the binary. Order
// matters: more-specific family entries precede generic aliases, and
// FindMapping returns the first match.
var defaultMappings = []Mapping{
	// ── Chat: premium ─────────────────────────────────────────────────────────
	{TierPremium, providers.CapabilityChat, "gpt-4o", "claude-opus-4-1", "gemini-2.5-pro"},
	{TierPremium, providers.CapabilityChat, "gpt-4-turbo", "claude-3-opus-20240229", "gemini-1.5-pro"},
	{TierPremium, providers.CapabilityChat, "o1", "claude-opus-4-1", "gemini-2.5-pro"},
	{TierPremium, providers.CapabilityChat, "gpt-4", "claude-3-opus-20240229", "gemini-1.5-pro"},

	// ── Chat: standard ────────────────────────────────────────────────────────
	{TierStandard, providers.CapabilityChat, "gpt-4o-mini", "claude-sonnet-4-5", "gemini-2.5-flash"},
	{TierStandard, providers.CapabilityChat, "gpt-4.1", "claude-sonnet-4-0", "gemini-2.5-flash"},
	{TierStandard, providers.CapabilityChat, "gpt-4.1-mini", "claude-3-5-sonnet-20241022", "gemini-2.0-flash"},
	{TierStandard, providers.CapabilityChat, "o3-mini", "claude-sonnet-4-5", "gemini-2.0-flash"},

	// ── Chat: economy ─────────────────────────────────────────────────────────
	{TierEconomy, providers.CapabilityChat, "gpt-3.5-turbo", "claude-3-5-haiku-20241022", "gemini-1.5-flash"},
	{TierEconomy, providers.CapabilityChat, "gpt-4.1-nano", "claude-haiku-4-5", "gemini-2.0-flash-lite"},
	{TierEconomy, providers.CapabilityChat, "gpt-4o-mini-2024-07-18", "claude-3-haiku-20240307", "gemini-1.5-flash-8b"},

	// ── Images ────────────────────────────────────────────────────────────────
	// Anthropic has no image generation API.
	{TierImages, providers.CapabilityImages, "dall-e-3", "", "imagen-3.0-generate-001"},
	{TierImages, providers.CapabilityImages, "gpt-image-1", "", "imagen-3.0-generate-001"},
	{TierImages, providers.CapabilityImages, "dall-e-2", "", "imagen-3.0-generate-001"},

	// ── Embeddings ────────────────────────────────────────────────────────────
	// Anthropic has no embeddings API.
	{TierEmbeddings, providers.CapabilityEmbeddings, "text-embedding-3-small", "", "text-embedding-004"},
	{TierEmbeddings, providers.CapabilityEmbeddings, "text-embedding-3-large", "", "text-embedding-004"},
	{TierEmbeddings, providers.CapabilityEmbeddings, "text-embedding-ada-002", "", "embedding-001"},
}

// Catalog holds the mapping table and a name index over every vendor column.
type Catalog struct {
	mappings []Mapping
	byName   map[string]*Mapping
}

// New builds a Catalog from the compiled-in table.
func New() *Catalog {
	return NewFromMappings(defaultMappings)
}

// NewFromMappings builds a Catalog from an explicit table. The first mapping
// that lists a name under any vendor wins.
func NewFromMappings(mappings []Mapping) *Catalog {
	c := &Catalog{
		mappings: mappings,
		byName:   make(map[string]*Mapping, len(mappings)*3),
	}
	for i := range c.mappings {
		m := &c.mappings[i]
		for _, name := range []string{m.OpenAI, m.Anthropic, m.Google} {
			if name == "" {
				continue
			}
			if _, exists := c.byName[name]; !exists {
				c.byName[name] = m
			}
		}
	}
	return c
}

// FindMapping returns the equivalence class that lists name under any vendor,
// or nil when the name is unknown.
func (c *Catalog) FindMapping(name string) *Mapping {
	return c.byName[name]
}

// ModelForVendor returns the given vendor's equivalent for name's equivalence
// class. Returns "" when the name is unknown or the vendor cannot serve it.
func (c *Catalog) ModelForVendor(name, vendor string) string {
	m := c.byName[name]
	if m == nil {
		return ""
	}
	return m.ModelForVendor(vendor)
}

// CapabilityForModel returns the capability of name's class. Unknown names
// default to chat so unmapped models still route with best effort.
func (c *Catalog) CapabilityForModel(name string) providers.Capability {
	if m := c.byName[name]; m != nil {
		return m.Capability
	}
	return providers.CapabilityChat
}
