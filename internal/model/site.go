package model

import "time"

// DeliveryType describes how a site's pages are delivered.
type DeliveryType string

const (
	DeliveryTypeEdge     DeliveryType = "edge"
	DeliveryTypeHeadless DeliveryType = "headless"
	DeliveryTypeOther    DeliveryType = "other"
)

// Site is a registered customer site that audits run against.
type Site struct {
	ID           string       `json:"id"`
	BaseURL      string       `json:"base_url"`
	Name         string       `json:"name,omitempty"`
	DeliveryType DeliveryType `json:"delivery_type"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
