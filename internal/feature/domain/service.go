package domain

import (
	"context"
	"errors"
)

// Service is the read side of the feature catalog used by the engine, plus
// registration for features defined by the catalog collaborator.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Feature, error)
	Get(ctx context.Context, id string) (*Feature, error)
	// CreditSystemsFor lists the credit system features whose schema prices featureID.
	CreditSystemsFor(ctx context.Context, featureID string) ([]Feature, error)
}

type CreateRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         FeatureType        `json:"type"`
	GroupingKind GroupingKind       `json:"grouping_kind"`
	GroupingKey  string             `json:"grouping_key"`
	CreditSchema []CreditSchemaItem `json:"credit_schema"`
}

var (
	ErrInvalidID           = errors.New("invalid_feature_id")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrInvalidGrouping     = errors.New("invalid_grouping")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrAlreadyExists       = errors.New("feature_already_exists")
	ErrNotFound            = errors.New("feature_not_found")
)
