package services

import (
	"regexp"
	"strings"

	domain "github.com/rechargekit/automation/internal/domain"
)

// Identifier sources, in extraction priority order.
const (
	IdentifierSourceOrderMeta   = "order_metadata"
	IdentifierSourceBillingMeta = "billing_metadata"
	IdentifierSourceLineMeta    = "line_item_metadata"
	IdentifierSourceNote        = "customer_note"
	IdentifierSourceComment     = "order_comment"
)

var playerIDPattern = regexp.MustCompile(`(?i)player[_ ]?id[:\s]*([a-zA-Z0-9]+)`)

// PlayerIdentifierExtractor locates the player identifier on an order. The
// identifier may legitimately live in several places depending on how the
// order was placed, so the strategies run in a fixed priority order and the
// first non-empty value wins. It never guesses: no match means not found.
type PlayerIdentifierExtractor struct {
	metaKey string
}

// NewPlayerIdentifierExtractor builds an extractor for the configured
// metadata key (e.g. "player_id").
func NewPlayerIdentifierExtractor(metaKey string) *PlayerIdentifierExtractor {
	key := strings.TrimSpace(metaKey)
	if key == "" {
		key = "player_id"
	}
	return &PlayerIdentifierExtractor{metaKey: key}
}

// Extract returns the identifier and which strategy produced it.
func (x *PlayerIdentifierExtractor) Extract(order domain.Order) (string, string, bool) {
	if id := lookupMeta(order.Metadata, x.metaKey); id != "" {
		return id, IdentifierSourceOrderMeta, true
	}
	if id := lookupMeta(order.BillingMetadata, x.metaKey); id != "" {
		return id, IdentifierSourceBillingMeta, true
	}
	for _, item := range order.Items {
		if id := lookupMeta(item.Metadata, x.metaKey); id != "" {
			return id, IdentifierSourceLineMeta, true
		}
	}
	if id := matchFreeText(order.CustomerNote); id != "" {
		return id, IdentifierSourceNote, true
	}
	for _, comment := range order.Comments {
		if id := matchFreeText(comment.Text); id != "" {
			return id, IdentifierSourceComment, true
		}
	}
	return "", "", false
}

// lookupMeta matches the key case-insensitively, with and without the
// private-field underscore prefix the commerce platform adds.
func lookupMeta(meta map[string]string, key string) string {
	for k, v := range meta {
		normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(k), "_"))
		if normalized == strings.ToLower(key) {
			if value := strings.TrimSpace(v); value != "" {
				return value
			}
		}
	}
	return ""
}

func matchFreeText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	match := playerIDPattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}
