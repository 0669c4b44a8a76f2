package domain

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/meterline/pkg/db/pagination"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context, req ListRequest) ([]Response, *pagination.PageInfo, error)
	Archive(ctx context.Context, id string) (*Response, error)
}

type ListRequest struct {
	Code     string
	IsAddOn  *bool
	Archived *bool
	SortBy   string
	OrderBy  string
	Page     pagination.Pagination
}

type EntitlementRequest struct {
	FeatureID         string   `json:"feature_id"`
	AllowanceType     string   `json:"allowance_type"`
	Allowance         *float64 `json:"allowance"`
	ResetInterval     string   `json:"reset_interval"`
	EntityFeatureID   *string  `json:"entity_feature_id"`
	CarryFromPrevious bool     `json:"carry_from_previous"`
}

type CreateRequest struct {
	Code         string               `json:"code"`
	Name         string               `json:"name"`
	IsDefault    bool                 `json:"is_default"`
	IsAddOn      bool                 `json:"is_add_on"`
	Entitlements []EntitlementRequest `json:"entitlements"`
}

type EntitlementResponse struct {
	ID                string   `json:"id"`
	FeatureID         string   `json:"feature_id"`
	AllowanceType     string   `json:"allowance_type"`
	Allowance         *float64 `json:"allowance,omitempty"`
	ResetInterval     string   `json:"reset_interval"`
	EntityFeatureID   *string  `json:"entity_feature_id,omitempty"`
	CarryFromPrevious bool     `json:"carry_from_previous"`
}

type Response struct {
	ID           string                `json:"id"`
	Code         string                `json:"code"`
	Name         string                `json:"name"`
	IsDefault    bool                  `json:"is_default"`
	IsAddOn      bool                  `json:"is_add_on"`
	Archived     bool                  `json:"archived"`
	Entitlements []EntitlementResponse `json:"entitlements,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidID           = errors.New("invalid_id")
	ErrInvalidAllowance    = errors.New("invalid_allowance")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrCodeTaken           = errors.New("code_already_exists")
	ErrNotFound            = errors.New("not_found")
)
